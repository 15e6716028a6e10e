package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ry-ht/loom/core/config"
	"github.com/ry-ht/loom/core/lock"
	"github.com/ry-ht/loom/core/merge"
	"github.com/ry-ht/loom/core/session"
	"github.com/ry-ht/loom/core/store"
)

var ErrWorkspaceClosed = errors.New("workspace is closed")

// Workspace is the operation surface the orchestration layer consumes: one
// store, one lock table, one session table, one merge engine, wired so that
// closing a session by any path releases its locks.
type Workspace struct {
	store    store.Store
	locks    *lock.Manager
	sessions *session.Manager
	engine   *merge.Engine
	stash    *session.Stash
	logger   *slog.Logger

	ownsStore bool
}

// Options configures a workspace wired around an existing store.
type Options struct {
	SessionTTL          time.Duration
	JanitorInterval     time.Duration
	LockTTL             time.Duration
	AcquireTimeout      time.Duration
	SweepInterval       time.Duration
	EscalationThreshold int
	MaxApplyRetries     int
	BaseCacheSize       int
	Semantic            merge.SemanticMerger
	Stash               *session.Stash
	Logger              *slog.Logger
}

// New wires a workspace around st. The caller keeps ownership of st and the
// optional stash; Close leaves them open.
func New(st store.Store, opts Options) (*Workspace, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	engine, err := merge.NewEngine(st, merge.Config{
		MaxApplyRetries: opts.MaxApplyRetries,
		BaseCacheSize:   opts.BaseCacheSize,
		Semantic:        opts.Semantic,
		Logger:          opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	locks := lock.NewManager(lock.Config{
		DefaultTTL:          opts.LockTTL,
		DefaultTimeout:      opts.AcquireTimeout,
		SweepInterval:       opts.SweepInterval,
		EscalationThreshold: opts.EscalationThreshold,
		Logger:              opts.Logger,
	})

	w := &Workspace{
		store:  st,
		locks:  locks,
		engine: engine,
		stash:  opts.Stash,
		logger: opts.Logger.With("component", "workspace"),
	}

	w.sessions = session.NewManager(st, engine, session.Config{
		DefaultTTL:      opts.SessionTTL,
		JanitorInterval: opts.JanitorInterval,
		Stash:           opts.Stash,
		OnClose:         w.releaseSessionLocks,
		Logger:          opts.Logger,
	})

	return w, nil
}

// Open builds a fully durable workspace from configuration: SQLite store,
// SQLite stash, and every tunable applied. Close tears all of it down.
func Open(cfg *config.Config, logger *slog.Logger) (*Workspace, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		DBPath:       cfg.Store.DBPath,
		WorkspaceID:  cfg.Store.WorkspaceID,
		CacheMaxCost: cfg.Store.CacheMaxCost,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var stash *session.Stash
	if cfg.Session.StashDBPath != "" {
		stash, err = session.NewStash(cfg.Session.StashDBPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open stash: %w", err)
		}
	}

	w, err := New(st, Options{
		SessionTTL:          cfg.Session.TTL(session.DefaultSessionTTL),
		JanitorInterval:     cfg.Session.Janitor(session.DefaultJanitorInterval),
		LockTTL:             cfg.Lock.TTL(lock.DefaultLockTTL),
		AcquireTimeout:      cfg.Lock.Timeout(lock.DefaultAcquireTimeout),
		SweepInterval:       cfg.Lock.Sweep(lock.DefaultSweepInterval),
		EscalationThreshold: cfg.Lock.EscalationThreshold,
		MaxApplyRetries:     cfg.Merge.MaxApplyRetries,
		BaseCacheSize:       cfg.Merge.BaseCacheSize,
		Stash:               stash,
		Logger:              logger,
	})
	if err != nil {
		if stash != nil {
			stash.Close()
		}
		st.Close()
		return nil, err
	}

	w.ownsStore = true
	return w, nil
}

// CreateSession begins a copy-on-write session over the current store state.
func (w *Workspace) CreateSession(agentID, workspaceID string, scope session.Scope, ttl time.Duration) (string, error) {
	sess, err := w.sessions.Begin(agentID, workspaceID, scope, ttl)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// ReadEntity returns the session's view of key: overlay first, snapshot
// otherwise.
func (w *Workspace) ReadEntity(ctx context.Context, sessionID, key string) (*store.Entity, error) {
	return w.sessions.Read(ctx, sessionID, key)
}

// WriteEntity buffers content into the session's overlay.
func (w *Workspace) WriteEntity(ctx context.Context, sessionID, key string, payload store.Payload) error {
	return w.sessions.Write(ctx, sessionID, key, payload)
}

// DeleteEntity buffers a soft delete into the session's overlay.
func (w *Workspace) DeleteEntity(ctx context.Context, sessionID, key string) error {
	return w.sessions.Delete(ctx, sessionID, key)
}

// AcquireLock takes a lock on behalf of a session and records the handle
// against it so session close releases the lock automatically.
func (w *Workspace) AcquireLock(ctx context.Context, req lock.Request) (string, error) {
	grant, err := w.locks.Acquire(ctx, req)
	if err != nil {
		return "", err
	}

	if err := w.sessions.TrackLock(req.SessionID, grant.ID); err != nil {
		w.locks.Release(grant.ID)
		return "", err
	}
	return grant.ID, nil
}

// ReleaseLock frees a lock by handle and forgets it on the owning session.
func (w *Workspace) ReleaseLock(lockID string) error {
	grant, err := w.locks.Get(lockID)
	if err != nil {
		return err
	}
	if err := w.locks.Release(lockID); err != nil {
		return err
	}
	w.sessions.UntrackLock(grant.SessionID, lockID)
	return nil
}

// CommitSession reconciles the session's overlay against the store. The
// report describes every touched key's fate; a fully settled commit closes
// the session and releases its locks.
func (w *Workspace) CommitSession(ctx context.Context, sessionID string, strategy merge.Strategy) (*merge.Report, error) {
	return w.sessions.Commit(ctx, sessionID, strategy)
}

// ResolveConflict replaces a conflicted key's overlay content ahead of a
// re-commit. A nil payload resolves it as a delete.
func (w *Workspace) ResolveConflict(sessionID, key string, payload *store.Payload) error {
	return w.sessions.Resolve(sessionID, key, payload)
}

// DiscardSession drops the session's overlay with no store side effects.
func (w *Workspace) DiscardSession(sessionID string) error {
	return w.sessions.Discard(sessionID)
}

// StashSession suspends a session now rather than waiting for its TTL.
func (w *Workspace) StashSession(sessionID string) error {
	return w.sessions.StashSession(sessionID)
}

// ResumeSession reactivates a stashed session with its overlay intact.
func (w *Workspace) ResumeSession(sessionID string) error {
	return w.sessions.Resume(sessionID)
}

// SessionKeys lists the key space as the session sees it: snapshot plus
// overlay, scope-filtered.
func (w *Workspace) SessionKeys(ctx context.Context, sessionID, prefix string) ([]string, error) {
	return w.sessions.Keys(ctx, sessionID, prefix)
}

// Session returns a read-only view of one session's metadata.
func (w *Workspace) Session(sessionID string) (session.Info, error) {
	return w.sessions.Get(sessionID)
}

// Sessions lists every in-memory session.
func (w *Workspace) Sessions() []session.Info {
	return w.sessions.List()
}

// History returns a key's version history, newest first.
func (w *Workspace) History(ctx context.Context, key string, limit int) ([]*store.Entity, error) {
	return w.store.History(ctx, key, limit)
}

// Keys lists live (non-tombstoned) keys under a prefix.
func (w *Workspace) Keys(ctx context.Context, prefix string) ([]string, error) {
	return w.store.Keys(ctx, prefix)
}

// Stats aggregates counters from every component.
type Stats struct {
	Store    store.Stats
	Sessions session.ManagerStats
	Locks    lock.Stats
}

func (w *Workspace) Stats() Stats {
	return Stats{
		Store:    w.store.Stats(),
		Sessions: w.sessions.Stats(),
		Locks:    w.locks.Stats(),
	}
}

// releaseSessionLocks is the session manager's close hook. The session hands
// back opaque handles; each one is released individually so the lock table
// never sees stale holders.
func (w *Workspace) releaseSessionLocks(sessionID string, lockIDs []string) {
	for _, lockID := range lockIDs {
		if err := w.locks.Release(lockID); err != nil && !errors.Is(err, lock.ErrLockNotFound) {
			w.logger.Warn("failed to release session lock",
				"session_id", sessionID,
				"lock_id", lockID,
				"error", err)
		}
	}
	// Waiters parked by this session cannot be granted anymore.
	w.locks.ReleaseSession(sessionID)
}

// Close stops the session janitor and lock sweeper. Resources created by
// Open (store, stash) are closed too; injected ones stay open.
func (w *Workspace) Close() error {
	var firstErr error

	if err := w.sessions.Close(); err != nil {
		firstErr = err
	}
	if err := w.locks.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if w.ownsStore {
		if w.stash != nil {
			if err := w.stash.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := w.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
