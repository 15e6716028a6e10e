package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreClosed     = errors.New("version store is closed")
	ErrKeyNotFound     = errors.New("entity key not found")
	ErrVersionNotFound = errors.New("entity version not found")
	ErrVersionConflict = errors.New("conditional write version conflict")
	ErrApplyRaceLost   = errors.New("atomic batch rejected: version changed during apply")
)

// Entity is one committed version of a keyed record. Versions are per-key,
// monotonic, and never reused; tombstones mark soft deletes.
type Entity struct {
	Key       string
	Payload   Payload
	Version   uint64
	Tombstone bool
	UpdatedAt time.Time
}

func (e *Entity) Clone() *Entity {
	out := *e
	out.Payload = e.Payload.Clone()
	return &out
}

// Snapshot is an immutable reference to the committed state at a point in
// time. Taking one is O(1): it captures the global commit sequence.
type Snapshot struct {
	Seq uint64
}

// BatchOp is one conditional write inside an atomic batch. ExpectedVersion 0
// requires the key to not exist yet.
type BatchOp struct {
	Key             string
	Payload         Payload
	Tombstone       bool
	ExpectedVersion uint64
}

type BatchResult struct {
	Key        string
	NewVersion uint64
}

type Stats struct {
	Keys             int64
	Versions         int64
	Writes           int64
	Batches          int64
	VersionConflicts int64
	RaceRejections   int64
}

// Store is the version store: durable keyed storage with per-key monotonic
// version counters and conditional writes. The conditional write is the sole
// serialization point per key; every higher-level guarantee builds on it.
type Store interface {
	// Read returns the current version of the key, including tombstones.
	Read(ctx context.Context, key string) (*Entity, error)

	// ReadVersion returns a specific historical version of the key.
	ReadVersion(ctx context.Context, key string, version uint64) (*Entity, error)

	// ReadAt resolves a key against a snapshot: the newest version committed
	// at or before the snapshot sequence.
	ReadAt(ctx context.Context, snap Snapshot, key string) (*Entity, error)

	// ConditionalWrite commits a new version iff the current version equals
	// expected. Fails atomically with ErrVersionConflict otherwise.
	ConditionalWrite(ctx context.Context, key string, payload Payload, expected uint64) (uint64, error)

	// ConditionalDelete writes a tombstone version under the same precondition.
	ConditionalDelete(ctx context.Context, key string, expected uint64) (uint64, error)

	// ApplyBatch applies every op or none: if any key's current version no
	// longer matches its ExpectedVersion the whole batch is rejected with
	// ErrApplyRaceLost.
	ApplyBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error)

	Snapshot() Snapshot

	// History returns up to limit versions of the key, newest first.
	History(ctx context.Context, key string, limit int) ([]*Entity, error)

	// Keys lists live (non-tombstoned) keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// KeysAt lists the keys that were live at the snapshot.
	KeysAt(ctx context.Context, snap Snapshot, prefix string) ([]string, error)

	Stats() Stats
	Close() error
}
