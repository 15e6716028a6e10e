package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(SQLiteConfig{
		DBPath: filepath.Join(t.TempDir(), "store.db"),
	})
	require.NoError(t, err)

	backends := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, st := range backends {
			st.Close()
		}
	})
	return backends
}

func TestConditionalWriteLifecycle(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v1, err := st.ConditionalWrite(ctx, "src/a.go", TextPayload("one"), 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v1)

			v2, err := st.ConditionalWrite(ctx, "src/a.go", TextPayload("two"), v1)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v2)

			ent, err := st.Read(ctx, "src/a.go")
			require.NoError(t, err)
			assert.Equal(t, "two", string(ent.Payload.Text))
			assert.Equal(t, uint64(2), ent.Version)
			assert.False(t, ent.Tombstone)
		})
	}
}

func TestConditionalWriteVersionConflict(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ConditionalWrite(ctx, "k", TextPayload("a"), 0)
			require.NoError(t, err)

			_, err = st.ConditionalWrite(ctx, "k", TextPayload("b"), 0)
			assert.ErrorIs(t, err, ErrVersionConflict)

			_, err = st.ConditionalWrite(ctx, "k", TextPayload("b"), 7)
			assert.ErrorIs(t, err, ErrVersionConflict)

			// The failed attempts left no trace.
			ent, err := st.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), ent.Version)
			assert.Equal(t, "a", string(ent.Payload.Text))
		})
	}
}

func TestConditionalDeleteTombstone(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v1, err := st.ConditionalWrite(ctx, "doomed", TextPayload("x"), 0)
			require.NoError(t, err)

			v2, err := st.ConditionalDelete(ctx, "doomed", v1)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v2)

			// Deleted keys still read, flagged as tombstones; history stays.
			ent, err := st.Read(ctx, "doomed")
			require.NoError(t, err)
			assert.True(t, ent.Tombstone)

			keys, err := st.Keys(ctx, "")
			require.NoError(t, err)
			assert.NotContains(t, keys, "doomed")

			_, err = st.ConditionalDelete(ctx, "never-existed", 0)
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ConditionalWrite(ctx, "k", TextPayload("before"), 0)
			require.NoError(t, err)

			snap := st.Snapshot()

			_, err = st.ConditionalWrite(ctx, "k", TextPayload("after"), 1)
			require.NoError(t, err)
			_, err = st.ConditionalWrite(ctx, "new-key", TextPayload("born late"), 0)
			require.NoError(t, err)

			// The snapshot still sees the world as it was.
			ent, err := st.ReadAt(ctx, snap, "k")
			require.NoError(t, err)
			assert.Equal(t, "before", string(ent.Payload.Text))
			assert.Equal(t, uint64(1), ent.Version)

			_, err = st.ReadAt(ctx, snap, "new-key")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			ent, err = st.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "after", string(ent.Payload.Text))
		})
	}
}

func TestReadVersion(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, content := range []string{"v1", "v2", "v3"} {
				_, err := st.ConditionalWrite(ctx, "k", TextPayload(content), uint64(i))
				require.NoError(t, err)
			}

			ent, err := st.ReadVersion(ctx, "k", 2)
			require.NoError(t, err)
			assert.Equal(t, "v2", string(ent.Payload.Text))

			_, err = st.ReadVersion(ctx, "k", 9)
			assert.ErrorIs(t, err, ErrVersionNotFound)

			_, err = st.ReadVersion(ctx, "absent", 1)
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestApplyBatchAtomicity(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ConditionalWrite(ctx, "a", TextPayload("a1"), 0)
			require.NoError(t, err)

			results, err := st.ApplyBatch(ctx, []BatchOp{
				{Key: "a", Payload: TextPayload("a2"), ExpectedVersion: 1},
				{Key: "b", Payload: TextPayload("b1"), ExpectedVersion: 0},
			})
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, uint64(2), results[0].NewVersion)
			assert.Equal(t, uint64(1), results[1].NewVersion)
		})
	}
}

func TestApplyBatchRejectsWholeBatchOnRace(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ConditionalWrite(ctx, "a", TextPayload("a1"), 0)
			require.NoError(t, err)

			// Second op's expected version is stale: nothing may apply.
			_, err = st.ApplyBatch(ctx, []BatchOp{
				{Key: "fresh", Payload: TextPayload("x"), ExpectedVersion: 0},
				{Key: "a", Payload: TextPayload("stale"), ExpectedVersion: 0},
			})
			assert.ErrorIs(t, err, ErrApplyRaceLost)

			_, err = st.Read(ctx, "fresh")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			ent, err := st.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "a1", string(ent.Payload.Text))
		})
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := uint64(0); i < 4; i++ {
				_, err := st.ConditionalWrite(ctx, "k", TextPayload("content"), i)
				require.NoError(t, err)
			}

			history, err := st.History(ctx, "k", 0)
			require.NoError(t, err)
			require.Len(t, history, 4)
			assert.Equal(t, uint64(4), history[0].Version)
			assert.Equal(t, uint64(1), history[3].Version)

			limited, err := st.History(ctx, "k", 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, uint64(4), limited[0].Version)
		})
	}
}

func TestKeysPrefix(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, key := range []string{"src/a.go", "src/b.go", "docs/readme.md"} {
				_, err := st.ConditionalWrite(ctx, key, TextPayload("x"), 0)
				require.NoError(t, err)
			}

			keys, err := st.Keys(ctx, "src/")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/a.go", "src/b.go"}, keys)
		})
	}
}

func TestKeysPrefixWithGlobMetacharacters(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seeded := []string{
				"src/[gen]/a.go",
				"src/[gen]/b.go",
				"src/q?.go",
				"src/star*.go",
				"src/plain.go",
			}
			for _, key := range seeded {
				_, err := st.ConditionalWrite(ctx, key, TextPayload("x"), 0)
				require.NoError(t, err)
			}

			// Bracket, question mark, and asterisk bytes in the prefix
			// match literally.
			keys, err := st.Keys(ctx, "src/[gen]/")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/[gen]/a.go", "src/[gen]/b.go"}, keys)

			keys, err = st.Keys(ctx, "src/q?")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/q?.go"}, keys)

			keys, err = st.Keys(ctx, "src/star*")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/star*.go"}, keys)

			snap := st.Snapshot()
			keys, err = st.KeysAt(ctx, snap, "src/[gen]/")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/[gen]/a.go", "src/[gen]/b.go"}, keys)
		})
	}
}

func TestPrefixUpperBound(t *testing.T) {
	upper, ok := prefixUpperBound("src/")
	require.True(t, ok)
	assert.Equal(t, "src0", upper)

	upper, ok = prefixUpperBound("a\xff")
	require.True(t, ok)
	assert.Equal(t, "b", upper)

	_, ok = prefixUpperBound("")
	assert.False(t, ok)

	_, ok = prefixUpperBound("\xff\xff")
	assert.False(t, ok)
}

func TestKeysAtSnapshot(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ConditionalWrite(ctx, "src/a.go", TextPayload("a"), 0)
			require.NoError(t, err)
			v, err := st.ConditionalWrite(ctx, "src/b.go", TextPayload("b"), 0)
			require.NoError(t, err)

			snap := st.Snapshot()

			// After the snapshot: one new key, one delete.
			_, err = st.ConditionalWrite(ctx, "src/c.go", TextPayload("c"), 0)
			require.NoError(t, err)
			_, err = st.ConditionalDelete(ctx, "src/b.go", v)
			require.NoError(t, err)

			keys, err := st.KeysAt(ctx, snap, "src/")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/a.go", "src/b.go"}, keys)

			current, err := st.Keys(ctx, "src/")
			require.NoError(t, err)
			assert.Equal(t, []string{"src/a.go", "src/c.go"}, current)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Close())

			_, err := st.Read(ctx, "k")
			assert.ErrorIs(t, err, ErrStoreClosed)
			_, err = st.ConditionalWrite(ctx, "k", TextPayload("x"), 0)
			assert.ErrorIs(t, err, ErrStoreClosed)

			assert.NoError(t, st.Close())
		})
	}
}

func TestTreeAndBinaryPayloadRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tree := TreePayload(map[string]string{"name": "loom", "lang": "go"})
			_, err := st.ConditionalWrite(ctx, "meta", tree, 0)
			require.NoError(t, err)

			ent, err := st.Read(ctx, "meta")
			require.NoError(t, err)
			assert.Equal(t, PayloadTree, ent.Payload.Kind)
			assert.Equal(t, "loom", ent.Payload.Tree["name"])

			bin := BinaryPayload([]byte{0x00, 0xFF, 0x10})
			_, err = st.ConditionalWrite(ctx, "blob", bin, 0)
			require.NoError(t, err)

			ent, err = st.Read(ctx, "blob")
			require.NoError(t, err)
			assert.Equal(t, PayloadBinary, ent.Payload.Kind)
			assert.Equal(t, []byte{0x00, 0xFF, 0x10}, ent.Payload.Data)
		})
	}
}

func TestSQLiteReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "store.db")

	st, err := NewSQLiteStore(SQLiteConfig{DBPath: dbPath})
	require.NoError(t, err)

	_, err = st.ConditionalWrite(ctx, "durable", TextPayload("v1"), 0)
	require.NoError(t, err)
	_, err = st.ConditionalWrite(ctx, "durable", TextPayload("v2"), 1)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := NewSQLiteStore(SQLiteConfig{DBPath: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	ent, err := reopened.Read(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ent.Version)
	assert.Equal(t, "v2", string(ent.Payload.Text))

	// The version chain continues where it left off.
	v3, err := reopened.ConditionalWrite(ctx, "durable", TextPayload("v3"), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v3)

	// And new snapshots still order after pre-restart writes.
	snap := reopened.Snapshot()
	ent, err = reopened.ReadAt(ctx, snap, "durable")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ent.Version)
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	defer st.Close()

	_, err := st.ConditionalWrite(ctx, "a", TextPayload("x"), 0)
	require.NoError(t, err)
	_, err = st.ConditionalWrite(ctx, "a", TextPayload("y"), 0)
	require.ErrorIs(t, err, ErrVersionConflict)

	stats := st.Stats()
	assert.Equal(t, int64(1), stats.Keys)
	assert.Equal(t, int64(1), stats.Writes)
	assert.Equal(t, int64(1), stats.VersionConflicts)
}
