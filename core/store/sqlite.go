package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DefaultWorkspaceID     = "default"
	defaultSQLiteMaxConns  = 1
	defaultCacheCounters   = 1e6
	defaultCacheMaxCost    = 64 << 20
	defaultCacheBufferSize = 64
)

// SQLiteConfig holds configuration for the durable store backend.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// WorkspaceID scopes every record in a shared database file.
	WorkspaceID string

	// CacheMaxCost bounds the in-process payload cache, in bytes.
	CacheMaxCost int64
}

func normalizeSQLiteConfig(cfg SQLiteConfig) SQLiteConfig {
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = DefaultWorkspaceID
	}
	if cfg.CacheMaxCost == 0 {
		cfg.CacheMaxCost = defaultCacheMaxCost
	}
	return cfg
}

// SQLiteStore is the durable Store backend. Version history is an append-only
// table with a global sequence; entity_heads tracks the current version per
// key. A ristretto cache fronts immutable version payload reads.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	cache  *payloadCache

	mu      sync.Mutex
	lastSeq uint64
	stats   Stats
	closed  bool
}

func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	cfg = normalizeSQLiteConfig(cfg)
	if cfg.DBPath == "" {
		return nil, errors.New("sqlite store requires a database path")
	}

	db, err := openStoreDatabase(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	cache, err := newPayloadCache(cfg.CacheMaxCost)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, config: cfg, cache: cache}
	if err := s.loadCounters(); err != nil {
		cache.Close()
		db.Close()
		return nil, err
	}

	return s, nil
}

func openStoreDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.SetMaxOpenConns(defaultSQLiteMaxConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := createStoreSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createStoreSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		payload BLOB,
		tombstone INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entity_versions_key
		ON entity_versions(workspace_id, key, seq DESC);

	CREATE TABLE IF NOT EXISTS entity_heads (
		workspace_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		tombstone INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace_id, key)
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create store schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadCounters() error {
	var seq uint64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM entity_versions WHERE workspace_id = ?
	`, s.config.WorkspaceID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to load commit sequence: %w", err)
	}
	s.lastSeq = seq

	var keys, versions int64
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(version), 0) FROM entity_heads WHERE workspace_id = ?
	`, s.config.WorkspaceID).Scan(&keys, &versions)
	if err != nil {
		return fmt.Errorf("failed to load store counters: %w", err)
	}
	s.stats.Keys = keys
	s.stats.Versions = versions

	return nil
}

func (s *SQLiteStore) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) (*Entity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT v.key, v.version, v.kind, v.payload, v.tombstone, v.updated_at
		FROM entity_heads h
		JOIN entity_versions v ON v.workspace_id = h.workspace_id AND v.key = h.key AND v.seq = h.seq
		WHERE h.workspace_id = ? AND h.key = ?
	`, s.config.WorkspaceID, key)

	return scanEntity(row, ErrKeyNotFound)
}

func (s *SQLiteStore) ReadVersion(ctx context.Context, key string, version uint64) (*Entity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if ent, ok := s.cache.Get(key, version); ok {
		return ent, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key, version, kind, payload, tombstone, updated_at
		FROM entity_versions
		WHERE workspace_id = ? AND key = ? AND version = ?
	`, s.config.WorkspaceID, key, version)

	ent, err := scanEntity(row, ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	s.cache.Put(ent)
	return ent, nil
}

func (s *SQLiteStore) ReadAt(ctx context.Context, snap Snapshot, key string) (*Entity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key, version, kind, payload, tombstone, updated_at
		FROM entity_versions
		WHERE workspace_id = ? AND key = ? AND seq <= ?
		ORDER BY seq DESC LIMIT 1
	`, s.config.WorkspaceID, key, snap.Seq)

	return scanEntity(row, ErrKeyNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, notFoundErr error) (*Entity, error) {
	var (
		ent       Entity
		kind      int
		data      []byte
		tombstone int
	)

	err := row.Scan(&ent.Key, &ent.Version, &kind, &data, &tombstone, &ent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entity: %w", err)
	}

	ent.Tombstone = tombstone != 0
	ent.Payload, err = decodePayload(PayloadKind(kind), data)
	if err != nil {
		return nil, err
	}

	return &ent, nil
}

func (s *SQLiteStore) ConditionalWrite(ctx context.Context, key string, payload Payload, expected uint64) (uint64, error) {
	results, err := s.ApplyBatch(ctx, []BatchOp{{Key: key, Payload: payload, ExpectedVersion: expected}})
	if err != nil {
		return 0, s.rewriteBatchError(err)
	}
	return results[0].NewVersion, nil
}

func (s *SQLiteStore) ConditionalDelete(ctx context.Context, key string, expected uint64) (uint64, error) {
	if _, err := s.Read(ctx, key); err != nil {
		return 0, err
	}

	results, err := s.ApplyBatch(ctx, []BatchOp{{Key: key, Tombstone: true, ExpectedVersion: expected}})
	if err != nil {
		return 0, s.rewriteBatchError(err)
	}
	return results[0].NewVersion, nil
}

// A single-op batch failing its precondition is a plain version conflict, not
// an apply race.
func (s *SQLiteStore) rewriteBatchError(err error) error {
	if errors.Is(err, ErrApplyRaceLost) {
		s.mu.Lock()
		s.stats.RaceRejections--
		s.stats.VersionConflicts++
		s.mu.Unlock()
		return ErrVersionConflict
	}
	return err
}

func (s *SQLiteStore) ApplyBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	if err := s.verifyBatchVersions(ctx, tx, ops); err != nil {
		return nil, err
	}

	results, newKeys, err := s.applyBatchOps(ctx, tx, ops)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	s.finishBatch(len(ops), newKeys)
	return results, nil
}

func (s *SQLiteStore) verifyBatchVersions(ctx context.Context, tx *sql.Tx, ops []BatchOp) error {
	for _, op := range ops {
		current, err := currentVersionTx(ctx, tx, s.config.WorkspaceID, op.Key)
		if err != nil {
			return err
		}
		if current != op.ExpectedVersion {
			s.mu.Lock()
			s.stats.RaceRejections++
			s.mu.Unlock()
			return ErrApplyRaceLost
		}
	}
	return nil
}

func currentVersionTx(ctx context.Context, tx *sql.Tx, workspaceID, key string) (uint64, error) {
	var version uint64
	err := tx.QueryRowContext(ctx, `
		SELECT version FROM entity_heads WHERE workspace_id = ? AND key = ?
	`, workspaceID, key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) applyBatchOps(ctx context.Context, tx *sql.Tx, ops []BatchOp) ([]BatchResult, int64, error) {
	results := make([]BatchResult, 0, len(ops))
	var newKeys int64

	for _, op := range ops {
		version, err := s.insertVersionTx(ctx, tx, op)
		if err != nil {
			return nil, 0, err
		}
		if op.ExpectedVersion == 0 {
			newKeys++
		}
		results = append(results, BatchResult{Key: op.Key, NewVersion: version})
	}

	return results, newKeys, nil
}

func (s *SQLiteStore) insertVersionTx(ctx context.Context, tx *sql.Tx, op BatchOp) (uint64, error) {
	data, err := encodePayload(op.Payload)
	if err != nil {
		return 0, err
	}

	next := op.ExpectedVersion + 1
	tombstone := 0
	if op.Tombstone {
		tombstone = 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entity_versions (workspace_id, key, version, kind, payload, tombstone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.config.WorkspaceID, op.Key, next, int(op.Payload.Kind), data, tombstone, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert version: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_heads (workspace_id, key, version, seq, tombstone)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, key) DO UPDATE SET version = ?, seq = ?, tombstone = ?
	`, s.config.WorkspaceID, op.Key, next, seq, tombstone, next, seq, tombstone)
	if err != nil {
		return 0, fmt.Errorf("failed to update head: %w", err)
	}

	s.mu.Lock()
	if uint64(seq) > s.lastSeq {
		s.lastSeq = uint64(seq)
	}
	s.mu.Unlock()

	return next, nil
}

func (s *SQLiteStore) finishBatch(opCount int, newKeys int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Keys += newKeys
	s.stats.Versions += int64(opCount)
	s.stats.Writes += int64(opCount)
	s.stats.Batches++
}

func (s *SQLiteStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Seq: s.lastSeq}
}

func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]*Entity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, version, kind, payload, tombstone, updated_at
		FROM entity_versions
		WHERE workspace_id = ? AND key = ?
		ORDER BY seq DESC LIMIT ?
	`, s.config.WorkspaceID, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, ErrKeyNotFound
	}
	return entities, nil
}

func collectEntities(rows *sql.Rows) ([]*Entity, error) {
	var entities []*Entity
	for rows.Next() {
		ent, err := scanEntity(rows, ErrKeyNotFound)
		if err != nil {
			return nil, err
		}
		entities = append(entities, ent)
	}
	return entities, rows.Err()
}

// prefixUpperBound returns the smallest string that sorts after every key
// carrying the given prefix under bytewise comparison. ok is false when no
// such bound exists (empty prefix or all 0xFF bytes) and the scan has no
// upper limit.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// prefixRange builds a half-open key range predicate for the prefix. A plain
// range comparison keeps bytes like "[", "?" and "*" literal, where a GLOB
// pattern would treat them as metacharacters.
func prefixRange(column, prefix string) (string, []any) {
	clause := column + " >= ?"
	args := []any{prefix}
	if upper, ok := prefixUpperBound(prefix); ok {
		clause += " AND " + column + " < ?"
		args = append(args, upper)
	}
	return clause, args
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rangeClause, rangeArgs := prefixRange("key", prefix)
	args := append([]any{s.config.WorkspaceID}, rangeArgs...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM entity_heads
		WHERE workspace_id = ? AND tombstone = 0 AND `+rangeClause+`
		ORDER BY key ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) KeysAt(ctx context.Context, snap Snapshot, prefix string) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rangeClause, rangeArgs := prefixRange("key", prefix)
	args := append([]any{s.config.WorkspaceID, snap.Seq}, rangeArgs...)
	args = append(args, s.config.WorkspaceID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.key FROM entity_versions v
		JOIN (
			SELECT key, MAX(seq) AS seq FROM entity_versions
			WHERE workspace_id = ? AND seq <= ? AND `+rangeClause+`
			GROUP BY key
		) heads ON v.workspace_id = ? AND v.key = heads.key AND v.seq = heads.seq
		WHERE v.tombstone = 0
		ORDER BY v.key ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cache.Close()
	return s.db.Close()
}
