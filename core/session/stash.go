package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ry-ht/loom/core/store"
)

var ErrStashNotFound = errors.New("no stashed session with that id")

// stashRecord is the serializable form of a suspended session: everything
// needed to rebuild it after a restart, overlay included.
type stashRecord struct {
	SessionID   string                  `json:"session_id"`
	AgentID     string                  `json:"agent_id"`
	WorkspaceID string                  `json:"workspace_id"`
	Scope       Scope                   `json:"scope"`
	SnapshotSeq uint64                  `json:"snapshot_seq"`
	TTL         time.Duration           `json:"ttl"`
	CreatedAt   time.Time               `json:"created_at"`
	StashedAt   time.Time               `json:"stashed_at"`
	Overlay     map[string]overlayEntry `json:"overlay"`
	Stats       Stats                   `json:"stats"`
}

func stashRecordFrom(sess *Session) stashRecord {
	overlay := make(map[string]overlayEntry, len(sess.overlay))
	for key, entry := range sess.overlay {
		entry.Payload = entry.Payload.Clone()
		overlay[key] = entry
	}

	return stashRecord{
		SessionID:   sess.ID,
		AgentID:     sess.AgentID,
		WorkspaceID: sess.WorkspaceID,
		Scope:       sess.scope.spec,
		SnapshotSeq: sess.snapshot.Seq,
		TTL:         sess.ttl,
		CreatedAt:   sess.createdAt,
		StashedAt:   time.Now(),
		Overlay:     overlay,
		Stats:       sess.stats,
	}
}

func (r stashRecord) overlayLen() int {
	return len(r.Overlay)
}

// restore rebuilds an in-memory session in the Stashed state. The session
// keeps its original snapshot so base versions stay meaningful.
func (r stashRecord) restore() (*Session, error) {
	compiled, err := compileScope(r.Scope)
	if err != nil {
		return nil, fmt.Errorf("stashed session %s: %w", r.SessionID, err)
	}

	overlay := r.Overlay
	if overlay == nil {
		overlay = make(map[string]overlayEntry)
	}

	return &Session{
		ID:          r.SessionID,
		AgentID:     r.AgentID,
		WorkspaceID: r.WorkspaceID,
		scope:       compiled,
		snapshot:    store.Snapshot{Seq: r.SnapshotSeq},
		ttl:         r.TTL,
		createdAt:   r.CreatedAt,
		expiresAt:   time.Now().Add(r.TTL),
		lastActive:  r.StashedAt,
		state:       StateStashed,
		overlay:     overlay,
		lockIDs:     make(map[string]struct{}),
	}, nil
}

// Stash persists suspended sessions in SQLite so they survive process
// restarts. One row per session, the overlay serialized as JSON.
type Stash struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

func NewStash(dbPath string) (*Stash, error) {
	if dbPath == "" {
		return nil, errors.New("stash requires a database path")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stash directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stash database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS stashed_sessions (
		session_id   TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		stashed_at   INTEGER NOT NULL,
		record       BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stash_workspace
		ON stashed_sessions(workspace_id, stashed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create stash schema: %w", err)
	}

	return &Stash{db: db}, nil
}

func (s *Stash) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}
	return nil
}

func (s *Stash) Save(record stashRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode stash record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO stashed_sessions (session_id, agent_id, workspace_id, stashed_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			stashed_at = excluded.stashed_at,
			record = excluded.record`,
		record.SessionID, record.AgentID, record.WorkspaceID,
		record.StashedAt.UnixNano(), blob)
	if err != nil {
		return fmt.Errorf("failed to persist stash record: %w", err)
	}
	return nil
}

func (s *Stash) Load(sessionID string) (stashRecord, error) {
	if err := s.checkClosed(); err != nil {
		return stashRecord{}, err
	}

	var blob []byte
	err := s.db.QueryRow(
		`SELECT record FROM stashed_sessions WHERE session_id = ?`,
		sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return stashRecord{}, fmt.Errorf("%w: %s", ErrStashNotFound, sessionID)
	}
	if err != nil {
		return stashRecord{}, fmt.Errorf("failed to load stash record: %w", err)
	}

	var record stashRecord
	if err := json.Unmarshal(blob, &record); err != nil {
		return stashRecord{}, fmt.Errorf("failed to decode stash record: %w", err)
	}
	return record, nil
}

func (s *Stash) Delete(sessionID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`DELETE FROM stashed_sessions WHERE session_id = ?`,
		sessionID); err != nil {
		return fmt.Errorf("failed to delete stash record: %w", err)
	}
	return nil
}

// List returns the ids of every stashed session for a workspace, newest
// first. An empty workspace id lists all of them.
func (s *Stash) List(workspaceID string) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	query := `SELECT session_id FROM stashed_sessions ORDER BY stashed_at DESC`
	args := []any{}
	if workspaceID != "" {
		query = `SELECT session_id FROM stashed_sessions WHERE workspace_id = ? ORDER BY stashed_at DESC`
		args = append(args, workspaceID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stash records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Stash) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
