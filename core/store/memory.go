package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryRecord struct {
	entity Entity
	seq    uint64
}

// MemoryStore keeps every version of every key in memory. History is
// append-only; snapshots read through the global sequence recorded per
// version.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]memoryRecord
	seq     uint64
	stats   Stats
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]memoryRecord),
	}
}

func (s *MemoryStore) Read(ctx context.Context, key string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history := s.records[key]
	if len(history) == 0 {
		return nil, ErrKeyNotFound
	}

	return history[len(history)-1].entity.Clone(), nil
}

func (s *MemoryStore) ReadVersion(ctx context.Context, key string, version uint64) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history := s.records[key]
	if len(history) == 0 {
		return nil, ErrKeyNotFound
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].entity.Version == version {
			return history[i].entity.Clone(), nil
		}
	}

	return nil, ErrVersionNotFound
}

func (s *MemoryStore) ReadAt(ctx context.Context, snap Snapshot, key string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history := s.records[key]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].seq <= snap.Seq {
			return history[i].entity.Clone(), nil
		}
	}

	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ConditionalWrite(ctx context.Context, key string, payload Payload, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	return s.appendLocked(key, payload, false, expected)
}

func (s *MemoryStore) ConditionalDelete(ctx context.Context, key string, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	if len(s.records[key]) == 0 {
		return 0, ErrKeyNotFound
	}

	return s.appendLocked(key, Payload{}, true, expected)
}

func (s *MemoryStore) appendLocked(key string, payload Payload, tombstone bool, expected uint64) (uint64, error) {
	current := s.currentVersionLocked(key)
	if current != expected {
		s.stats.VersionConflicts++
		return 0, ErrVersionConflict
	}

	s.seq++
	next := current + 1
	rec := memoryRecord{
		entity: Entity{
			Key:       key,
			Payload:   payload.Clone(),
			Version:   next,
			Tombstone: tombstone,
			UpdatedAt: time.Now(),
		},
		seq: s.seq,
	}

	if len(s.records[key]) == 0 {
		s.stats.Keys++
	}
	s.records[key] = append(s.records[key], rec)
	s.stats.Versions++
	s.stats.Writes++

	return next, nil
}

func (s *MemoryStore) currentVersionLocked(key string) uint64 {
	history := s.records[key]
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].entity.Version
}

func (s *MemoryStore) ApplyBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	for _, op := range ops {
		if s.currentVersionLocked(op.Key) != op.ExpectedVersion {
			s.stats.RaceRejections++
			return nil, ErrApplyRaceLost
		}
	}

	results := make([]BatchResult, 0, len(ops))
	for _, op := range ops {
		version, err := s.appendLocked(op.Key, op.Payload, op.Tombstone, op.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		results = append(results, BatchResult{Key: op.Key, NewVersion: version})
	}

	s.stats.Batches++
	return results, nil
}

func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Seq: s.seq}
}

func (s *MemoryStore) History(ctx context.Context, key string, limit int) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	history := s.records[key]
	if len(history) == 0 {
		return nil, ErrKeyNotFound
	}

	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}

	out := make([]*Entity, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i].entity.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0)
	for key, history := range s.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if history[len(history)-1].entity.Tombstone {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) KeysAt(ctx context.Context, snap Snapshot, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0)
	for key, history := range s.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].seq > snap.Seq {
				continue
			}
			if !history[i].entity.Tombstone {
				keys = append(keys, key)
			}
			break
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.records = nil
	return nil
}
