package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ry-ht/loom/core/merge"
	"github.com/ry-ht/loom/core/store"
)

const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultJanitorInterval = 5 * time.Second
)

// CloseFunc is invoked whenever a session stops holding its locks: commit,
// discard, or expiry-to-stash. The ids are the session's opaque lock handles.
type CloseFunc func(sessionID string, lockIDs []string)

// Config holds session manager tunables.
type Config struct {
	DefaultTTL      time.Duration
	JanitorInterval time.Duration
	Stash           *Stash
	OnClose         CloseFunc
	Logger          *slog.Logger
}

func normalizeConfig(cfg Config) Config {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultSessionTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// ManagerStats counts lifecycle transitions across all sessions.
type ManagerStats struct {
	Created   int64
	Committed int64
	Discarded int64
	Stashed   int64
	Resumed   int64
	Expired   int64
	Active    int
}

// Manager owns every live session. Reads fall through each session's overlay
// to the shared store; commits delegate to the merge engine. A janitor
// goroutine stashes sessions whose TTL lapses without commit or discard.
type Manager struct {
	store  store.Store
	engine *merge.Engine
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	stats    ManagerStats

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(st store.Store, engine *merge.Engine, cfg Config) *Manager {
	cfg = normalizeConfig(cfg)

	m := &Manager{
		store:    st,
		engine:   engine,
		config:   cfg,
		logger:   cfg.Logger.With("component", "session-manager"),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.janitor()

	return m
}

// Begin snapshots the store and creates an empty-overlay session bound to
// that snapshot. A non-positive ttl takes the configured default.
func (m *Manager) Begin(agentID, workspaceID string, scope Scope, ttl time.Duration) (*Session, error) {
	compiled, err := compileScope(scope)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	now := time.Now()
	sess := &Session{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		scope:       compiled,
		snapshot:    m.store.Snapshot(),
		ttl:         ttl,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		lastActive:  now,
		state:       StateActive,
		overlay:     make(map[string]overlayEntry),
		lockIDs:     make(map[string]struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.sessions[sess.ID] = sess
	m.stats.Created++

	m.logger.Debug("session started",
		"session_id", sess.ID,
		"agent_id", agentID,
		"snapshot_seq", sess.snapshot.Seq,
		"ttl", ttl)

	return sess, nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// Read returns the overlay value for key when the session has touched it,
// otherwise the value at the session's snapshot. Keys the session deleted in
// its overlay read as absent.
func (m *Manager) Read(ctx context.Context, sessionID, key string) (*store.Entity, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.usable(); err != nil {
		return nil, err
	}
	if !sess.scope.readable(key) {
		return nil, fmt.Errorf("%w: read %q", ErrScopeViolation, key)
	}
	sess.touch(time.Now())
	sess.stats.Reads++

	if entry, ok := sess.overlay[key]; ok {
		if entry.Deleted {
			return nil, fmt.Errorf("%w: %s", store.ErrKeyNotFound, key)
		}
		return &store.Entity{
			Key:     key,
			Payload: entry.Payload.Clone(),
			Version: entry.BaseVersion,
		}, nil
	}

	ent, err := m.store.ReadAt(ctx, sess.snapshot, key)
	if err != nil {
		return nil, err
	}
	if ent.Tombstone {
		return nil, fmt.Errorf("%w: %s", store.ErrKeyNotFound, key)
	}
	return ent, nil
}

// Write buffers content into the session's overlay. The store is never
// touched here; the key's base version is captured from the snapshot the
// first time the session writes it.
func (m *Manager) Write(ctx context.Context, sessionID, key string, payload store.Payload) error {
	return m.stage(ctx, sessionID, key, payload, false)
}

// Delete buffers a tombstone for key into the session's overlay.
func (m *Manager) Delete(ctx context.Context, sessionID, key string) error {
	return m.stage(ctx, sessionID, key, store.Payload{}, true)
}

func (m *Manager) stage(ctx context.Context, sessionID, key string, payload store.Payload, deleted bool) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.usable(); err != nil {
		return err
	}
	if !sess.scope.writable(key) {
		return fmt.Errorf("%w: write %q", ErrScopeViolation, key)
	}

	entry, touched := sess.overlay[key]
	if !touched {
		base, err := m.baseVersion(ctx, sess, key)
		if err != nil {
			return err
		}
		entry.BaseVersion = base
	}

	if err := checkCreateDelete(sess, entry, touched, deleted); err != nil {
		return err
	}

	entry.Payload = payload.Clone()
	entry.Deleted = deleted
	entry.Resolved = false
	sess.overlay[key] = entry

	sess.touch(time.Now())
	if deleted {
		sess.stats.Deletes++
	} else {
		sess.stats.Writes++
	}
	return nil
}

// checkCreateDelete enforces the scope's create and delete permissions.
// Recreating a soft-deleted key counts as an update, not a create, since the
// key's history already exists.
func checkCreateDelete(sess *Session, entry overlayEntry, touched, deleted bool) error {
	if deleted {
		if !sess.scope.spec.AllowDelete {
			return fmt.Errorf("%w: delete not permitted", ErrScopeViolation)
		}
		return nil
	}

	exists := entry.BaseVersion > 0 || (touched && !entry.Deleted)
	if !exists && !sess.scope.spec.AllowCreate {
		return fmt.Errorf("%w: create not permitted", ErrScopeViolation)
	}
	return nil
}

// baseVersion reads the key's version at the session snapshot, 0 when the
// key did not exist there.
func (m *Manager) baseVersion(ctx context.Context, sess *Session, key string) (uint64, error) {
	ent, err := m.store.ReadAt(ctx, sess.snapshot, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ent.Version, nil
}

// Keys lists the session's view of the key space under a prefix: keys live at
// the snapshot, plus overlay creations, minus overlay deletes, filtered to
// what the scope lets the session read.
func (m *Manager) Keys(ctx context.Context, sessionID, prefix string) ([]string, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.usable(); err != nil {
		return nil, err
	}

	snapKeys, err := m.store.KeysAt(ctx, sess.snapshot, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(snapKeys))
	for _, key := range snapKeys {
		seen[key] = true
	}
	for key, entry := range sess.overlay {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		seen[key] = !entry.Deleted
	}

	keys := make([]string, 0, len(seen))
	for key, live := range seen {
		if live && sess.scope.readable(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	sess.touch(time.Now())
	return keys, nil
}

// Commit hands the overlay to the merge engine and finalizes the session
// according to the report: all keys settled closes the session, remaining
// conflicts park it in ConflictPending with only the contested keys left in
// the overlay.
func (m *Manager) Commit(ctx context.Context, sessionID string, strategy merge.Strategy) (*merge.Report, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := m.beginCommit(sess)
	if err != nil {
		return nil, err
	}

	report, err := m.engine.Commit(ctx, merge.CommitRequest{
		SessionID: sessionID,
		Entries:   entries,
		Strategy:  strategy,
		Aborted:   sess.discardRequested,
	})
	if err != nil {
		if errors.Is(err, merge.ErrCommitAborted) {
			m.discardIfRequested(sess)
			return nil, err
		}
		m.failCommit(sess)
		m.discardIfRequested(sess)
		return nil, err
	}

	m.finishCommit(sess, report)
	m.discardIfRequested(sess)
	return report, nil
}

func (m *Manager) beginCommit(sess *Session) ([]merge.CommitEntry, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.usable(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(sess.overlay))
	for key := range sess.overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]merge.CommitEntry, 0, len(keys))
	for _, key := range keys {
		entry := sess.overlay[key]
		entries = append(entries, merge.CommitEntry{
			Key:         key,
			Payload:     entry.Payload.Clone(),
			Delete:      entry.Deleted,
			BaseVersion: entry.BaseVersion,
			Resolved:    entry.Resolved,
		})
	}

	sess.state = StateCommitting
	sess.stats.Commits++
	return entries, nil
}

// failCommit restores a usable state after an infrastructure-level commit
// failure so the session can retry; the overlay is untouched.
func (m *Manager) failCommit(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateCommitting {
		sess.state = StateActive
	}
}

// discardIfRequested completes a discard that arrived while a commit was in
// flight. When the engine aborted before apply the store is untouched; when
// the apply had already happened the applied writes stand and only the
// leftover overlay is dropped.
func (m *Manager) discardIfRequested(sess *Session) {
	sess.mu.Lock()
	pending := sess.discardPending
	sess.discardPending = false
	if !pending || sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.overlay = make(map[string]overlayEntry)
	sess.state = StateDiscarded
	sess.mu.Unlock()

	m.close(sess, &m.stats.Discarded)
	m.logger.Debug("discard completed after in-flight commit", "session_id", sess.ID)
}

func (m *Manager) finishCommit(sess *Session, report *merge.Report) {
	sess.mu.Lock()
	if !report.HasConflicts() {
		sess.overlay = make(map[string]overlayEntry)
		sess.state = StateCommitted
		sess.mu.Unlock()
		m.close(sess, &m.stats.Committed)
		return
	}

	// Conflicted commit: drop settled keys from the overlay and keep the
	// contested ones for resolution or discard.
	for _, res := range report.Results {
		if res.Outcome != merge.OutcomeConflict && report.Strategy != merge.StrategyManual {
			delete(sess.overlay, res.Key)
		}
	}
	sess.state = StateConflictPending
	sess.stats.Conflicts += int64(report.Conflicts)
	sess.mu.Unlock()

	m.logger.Debug("commit left conflicts pending",
		"session_id", sess.ID,
		"conflicts", report.Conflicts)
}

// Resolve replaces a conflicted key's overlay content with an explicit
// resolution. The resolved entry wins over concurrent changes on the next
// commit. A nil payload resolves the conflict as a delete.
func (m *Manager) Resolve(sessionID, key string, payload *store.Payload) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConflictPending && sess.state != StateManualResolution {
		return fmt.Errorf("%w: session %s is %s", ErrNotConflicted, sessionID, sess.state)
	}

	entry, ok := sess.overlay[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConflicted, key)
	}

	if payload == nil {
		entry.Payload = store.Payload{}
		entry.Deleted = true
	} else {
		entry.Payload = payload.Clone()
		entry.Deleted = false
	}
	entry.Resolved = true
	sess.overlay[key] = entry
	sess.state = StateManualResolution
	sess.touch(time.Now())
	return nil
}

// Discard drops the overlay and closes the session with no store side
// effects. A discard during an in-flight commit is recorded and takes effect
// before the commit's atomic apply; once the apply has started the committed
// writes stand and only the leftover overlay is dropped.
func (m *Manager) Discard(sessionID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return ErrSessionClosed
	}
	if sess.state == StateCommitting {
		sess.discardPending = true
		sess.mu.Unlock()
		m.logger.Debug("discard requested during commit", "session_id", sessionID)
		return nil
	}
	wasStashed := sess.state == StateStashed
	sess.overlay = make(map[string]overlayEntry)
	sess.state = StateDiscarded
	sess.mu.Unlock()

	if wasStashed && m.config.Stash != nil {
		if err := m.config.Stash.Delete(sess.ID); err != nil {
			m.logger.Warn("failed to drop stashed session", "session_id", sess.ID, "error", err)
		}
	}

	m.close(sess, &m.stats.Discarded)
	return nil
}

// StashSession suspends a session immediately, preserving its overlay, as if
// its TTL had lapsed.
func (m *Manager) StashSession(sessionID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return m.stash(sess)
}

func (m *Manager) stash(sess *Session) error {
	sess.mu.Lock()
	if err := sess.usable(); err != nil {
		sess.mu.Unlock()
		return err
	}
	sess.state = StateStashed
	record := stashRecordFrom(sess)
	lockIDs := sess.takeLockIDs()
	sess.mu.Unlock()

	if m.config.Stash != nil {
		if err := m.config.Stash.Save(record); err != nil {
			m.logger.Warn("failed to persist stashed session", "session_id", sess.ID, "error", err)
		}
	}
	if m.config.OnClose != nil && len(lockIDs) > 0 {
		m.config.OnClose(sess.ID, lockIDs)
	}

	m.mu.Lock()
	m.stats.Stashed++
	m.mu.Unlock()

	m.logger.Debug("session stashed", "session_id", sess.ID, "overlay_keys", record.overlayLen())
	return nil
}

// Resume transitions a stashed session back to Active with its overlay
// intact and a fresh TTL. Sessions evicted from memory are reloaded from the
// stash store.
func (m *Manager) Resume(sessionID string) error {
	sess, err := m.lookup(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		sess, err = m.reloadStashed(sessionID)
	}
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.state {
	case StateStashed:
	case StateActive, StateCreated, StateConflictPending, StateManualResolution:
		return ErrSessionActive
	default:
		return ErrSessionClosed
	}

	now := time.Now()
	sess.state = StateActive
	sess.expiresAt = now.Add(sess.ttl)
	sess.touch(now)

	m.mu.Lock()
	m.stats.Resumed++
	m.mu.Unlock()

	if m.config.Stash != nil {
		if err := m.config.Stash.Delete(sessionID); err != nil {
			m.logger.Warn("failed to drop stash record on resume", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) reloadStashed(sessionID string) (*Session, error) {
	if m.config.Stash == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	record, err := m.config.Stash.Load(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := record.restore()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if existing, ok := m.sessions[sessionID]; ok {
		return existing, nil
	}
	m.sessions[sessionID] = sess
	return sess, nil
}

// TrackLock records an opaque lock handle against the session so it can be
// released when the session closes.
func (m *Manager) TrackLock(sessionID, lockID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.trackLock(lockID)
	return nil
}

// UntrackLock forgets a handle after an explicit caller-driven release.
func (m *Manager) UntrackLock(sessionID, lockID string) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.untrackLock(lockID)
}

// Get returns a read-only view of the session's metadata.
func (m *Manager) Get(sessionID string) (Info, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.info(), nil
}

// List returns metadata for every in-memory session, sorted by creation
// time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		infos = append(infos, sess.info())
		sess.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// ListByAgent returns metadata for the agent's in-memory sessions, sorted by
// creation time.
func (m *Manager) ListByAgent(agentID string) []Info {
	all := m.List()
	infos := all[:0]
	for _, info := range all {
		if info.AgentID == agentID {
			infos = append(infos, info)
		}
	}
	return infos
}

// Stats returns lifecycle counters. Active is recomputed from the live
// session table rather than tracked incrementally.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if sess.usable() == nil {
			stats.Active++
		}
		sess.mu.Unlock()
	}
	return stats
}

// close finalizes a terminal session: releases its locks through the
// configured hook, bumps the given counter, and removes it from the table.
func (m *Manager) close(sess *Session, counter *int64) {
	sess.mu.Lock()
	lockIDs := sess.takeLockIDs()
	sess.mu.Unlock()

	if m.config.OnClose != nil && len(lockIDs) > 0 {
		m.config.OnClose(sess.ID, lockIDs)
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	*counter++
	m.mu.Unlock()
}

func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.stashExpired(now)
		}
	}
}

// stashExpired moves every lapsed session to Stashed rather than evicting
// it; the overlay survives for a later resume or discard.
func (m *Manager) stashExpired(now time.Time) {
	m.mu.RLock()
	var lapsed []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if sess.expired(now) && sess.usable() == nil {
			lapsed = append(lapsed, sess)
		}
		sess.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, sess := range lapsed {
		if err := m.stash(sess); err != nil {
			continue
		}
		m.mu.Lock()
		m.stats.Expired++
		m.mu.Unlock()
		m.logger.Info("session expired to stash", "session_id", sess.ID)
	}
}

// Close stops the janitor. Live sessions are left as-is; callers decide
// whether to stash or discard them first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}
