package workspace

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ry-ht/loom/core/lock"
	"github.com/ry-ht/loom/core/merge"
	"github.com/ry-ht/loom/core/session"
	"github.com/ry-ht/loom/core/store"
)

func newTestWorkspace(t *testing.T) (*Workspace, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	w, err := New(st, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		st.Close()
	})
	return w, st
}

func openScope() session.Scope {
	return session.Scope{AllowCreate: true, AllowDelete: true}
}

func TestConcurrentSessionsConflictAndResolution(t *testing.T) {
	w, st := newTestWorkspace(t)
	ctx := context.Background()

	// Shared starting point.
	_, err := st.ConditionalWrite(ctx, "doc", store.TextPayload("original"), 0)
	require.NoError(t, err)

	a, err := w.CreateSession("agent-a", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	b, err := w.CreateSession("agent-b", "ws", openScope(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, w.WriteEntity(ctx, a, "doc", store.TextPayload("X")))
	require.NoError(t, w.WriteEntity(ctx, b, "doc", store.TextPayload("Y")))

	report, err := w.CommitSession(ctx, a, merge.StrategyAuto)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)

	// B committed against a moved key; under Manual the store stays put.
	report, err = w.CommitSession(ctx, b, merge.StrategyManual)
	require.NoError(t, err)
	require.True(t, report.HasConflicts())

	res := report.Result("doc")
	assert.Equal(t, "original", string(res.Base.Text))
	assert.Equal(t, "Y", string(res.Mine.Text))
	assert.Equal(t, "X", string(res.Theirs.Text))

	ent, err := st.Read(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "X", string(ent.Payload.Text))

	// Resolution applies on re-commit.
	merged := store.TextPayload("X and Y")
	require.NoError(t, w.ResolveConflict(b, "doc", &merged))

	report, err = w.CommitSession(ctx, b, merge.StrategyManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	ent, err = st.Read(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "X and Y", string(ent.Payload.Text))
}

func TestCommitReleasesSessionLocks(t *testing.T) {
	w, _ := newTestWorkspace(t)
	ctx := context.Background()

	a, err := w.CreateSession("agent-a", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	b, err := w.CreateSession("agent-b", "ws", openScope(), time.Minute)
	require.NoError(t, err)

	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeExclusive,
		SessionID: a,
	})
	require.NoError(t, err)

	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeExclusive,
		SessionID: b,
	})
	require.ErrorIs(t, err, lock.ErrLockUnavailable)

	require.NoError(t, w.WriteEntity(ctx, a, "doc", store.TextPayload("done")))
	_, err = w.CommitSession(ctx, a, merge.StrategyAuto)
	require.NoError(t, err)

	// A's commit released the lock; B can take it now.
	lockID, err := w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeExclusive,
		SessionID: b,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, lockID)
}

func TestDiscardReleasesSessionLocks(t *testing.T) {
	w, _ := newTestWorkspace(t)
	ctx := context.Background()

	a, err := w.CreateSession("agent-a", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	b, err := w.CreateSession("agent-b", "ws", openScope(), time.Minute)
	require.NoError(t, err)

	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "src",
		Mode:      lock.ModeExclusive,
		Scope:     lock.ScopeSubtree,
		SessionID: a,
	})
	require.NoError(t, err)

	require.NoError(t, w.DiscardSession(a))

	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "src/main.go",
		Mode:      lock.ModeExclusive,
		SessionID: b,
	})
	require.NoError(t, err)
}

func TestStashReleasesSessionLocks(t *testing.T) {
	w, _ := newTestWorkspace(t)
	ctx := context.Background()

	a, err := w.CreateSession("agent-a", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	b, err := w.CreateSession("agent-b", "ws", openScope(), time.Minute)
	require.NoError(t, err)

	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeExclusive,
		SessionID: a,
	})
	require.NoError(t, err)

	require.NoError(t, w.StashSession(a))

	// Suspension cannot pin the lock table.
	_, err = w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeExclusive,
		SessionID: b,
	})
	require.NoError(t, err)
}

func TestExplicitLockRelease(t *testing.T) {
	w, _ := newTestWorkspace(t)
	ctx := context.Background()

	a, err := w.CreateSession("agent-a", "ws", openScope(), time.Minute)
	require.NoError(t, err)

	lockID, err := w.AcquireLock(ctx, lock.Request{
		Key:       "doc",
		Mode:      lock.ModeShared,
		SessionID: a,
	})
	require.NoError(t, err)

	info, err := w.Session(a)
	require.NoError(t, err)
	assert.Equal(t, 1, info.HeldLocks)

	require.NoError(t, w.ReleaseLock(lockID))

	info, err = w.Session(a)
	require.NoError(t, err)
	assert.Equal(t, 0, info.HeldLocks)

	assert.ErrorIs(t, w.ReleaseLock(lockID), lock.ErrLockNotFound)
}

func TestHistoryAndKeys(t *testing.T) {
	w, st := newTestWorkspace(t)
	ctx := context.Background()

	sess, err := w.CreateSession("agent", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntity(ctx, sess, "src/a.go", store.TextPayload("v1")))
	require.NoError(t, w.WriteEntity(ctx, sess, "src/b.go", store.TextPayload("v1")))
	require.NoError(t, w.WriteEntity(ctx, sess, "docs/readme", store.TextPayload("v1")))
	_, err = w.CommitSession(ctx, sess, merge.StrategyAuto)
	require.NoError(t, err)

	_, err = st.ConditionalWrite(ctx, "src/a.go", store.TextPayload("v2"), 1)
	require.NoError(t, err)

	history, err := w.History(ctx, "src/a.go", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v2", string(history[0].Payload.Text))
	assert.Equal(t, "v1", string(history[1].Payload.Text))

	keys, err := w.Keys(ctx, "src/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/a.go", "src/b.go"}, keys)
}

func TestWorkspaceStats(t *testing.T) {
	w, _ := newTestWorkspace(t)
	ctx := context.Background()

	sess, err := w.CreateSession("agent", "ws", openScope(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntity(ctx, sess, "k", store.TextPayload("x")))
	_, err = w.CommitSession(ctx, sess, merge.StrategyAuto)
	require.NoError(t, err)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Sessions.Created)
	assert.Equal(t, int64(1), stats.Sessions.Committed)
	assert.Equal(t, int64(1), stats.Store.Writes)
}

// Sessions over disjoint key sets must never conflict, and the final store
// state must not depend on the order their commits land in.
func TestDisjointCommitsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		defer st.Close()
		w, err := New(st, Options{})
		if err != nil {
			t.Fatal(err)
		}
		defer w.Close()

		ctx := context.Background()

		sessionCount := rapid.IntRange(2, 4).Draw(t, "sessions")
		want := make(map[string]string)
		ids := make([]string, 0, sessionCount)

		for i := 0; i < sessionCount; i++ {
			id, err := w.CreateSession(fmt.Sprintf("agent-%d", i), "ws", openScope(), time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)

			keyCount := rapid.IntRange(1, 5).Draw(t, fmt.Sprintf("keys-%d", i))
			for k := 0; k < keyCount; k++ {
				key := fmt.Sprintf("s%d/k%d", i, k)
				value := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, key)
				if err := w.WriteEntity(ctx, id, key, store.TextPayload(value)); err != nil {
					t.Fatal(err)
				}
				want[key] = value
			}
		}

		order := rapid.Permutation(ids).Draw(t, "order")
		for _, id := range order {
			report, err := w.CommitSession(ctx, id, merge.StrategyAuto)
			if err != nil {
				t.Fatal(err)
			}
			if report.HasConflicts() {
				t.Fatalf("disjoint commit reported conflicts: %+v", report)
			}
		}

		for key, value := range want {
			ent, err := st.Read(ctx, key)
			if err != nil {
				t.Fatalf("read %q: %v", key, err)
			}
			if got := string(ent.Payload.Text); got != value {
				t.Fatalf("key %q: got %q, want %q", key, got, value)
			}
		}
	})
}
