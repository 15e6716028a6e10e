package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ry-ht/loom/core/store"
)

var (
	ErrManagerClosed   = errors.New("session manager is closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
	ErrSessionStashed  = errors.New("session is stashed")
	ErrSessionActive   = errors.New("session is already active")
	ErrScopeViolation  = errors.New("operation outside session scope")
	ErrCommitInFlight  = errors.New("commit already in progress")
	ErrNotConflicted   = errors.New("key has no pending conflict")
)

// State tracks a session through its lifecycle. Committed and Discarded are
// terminal; Stashed is the suspended-but-resumable state entered on TTL
// expiry.
type State int

const (
	StateCreated State = iota
	StateActive
	StateCommitting
	StateCommitted
	StateConflictPending
	StateManualResolution
	StateStashed
	StateDiscarded
)

var stateNames = map[State]string{
	StateCreated:          "created",
	StateActive:           "active",
	StateCommitting:       "committing",
	StateCommitted:        "committed",
	StateConflictPending:  "conflict_pending",
	StateManualResolution: "manual_resolution",
	StateStashed:          "stashed",
	StateDiscarded:        "discarded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateCommitted || s == StateDiscarded
}

// overlayEntry is one buffered, uncommitted write. BaseVersion is the version
// the session first observed for the key (0 when the key did not exist at the
// snapshot). Resolved marks an entry rewritten by an explicit conflict
// resolution.
type overlayEntry struct {
	Payload     store.Payload `json:"payload"`
	BaseVersion uint64        `json:"base_version"`
	Deleted     bool          `json:"deleted"`
	Resolved    bool          `json:"resolved"`
}

// Stats counts activity within a single session.
type Stats struct {
	Reads       int64
	Writes      int64
	Deletes     int64
	OverlayKeys int
	Commits     int64
	Conflicts   int64
}

// Session is an agent-owned copy-on-write view over a store snapshot. Reads
// fall through the overlay to the snapshot; writes buffer in the overlay
// until commit. All field access goes through mu.
type Session struct {
	ID          string
	AgentID     string
	WorkspaceID string

	mu         sync.Mutex
	scope      *compiledScope
	snapshot   store.Snapshot
	ttl        time.Duration
	createdAt  time.Time
	expiresAt  time.Time
	lastActive time.Time
	state      State
	overlay    map[string]overlayEntry
	lockIDs    map[string]struct{}
	stats      Stats

	// discardPending records a discard requested while a commit was in
	// flight; the commit path honors it before any store write.
	discardPending bool
}

// discardRequested is polled by the merge engine between evaluation and the
// atomic apply.
func (s *Session) discardRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discardPending
}

// Info is a read-only view of a session's metadata.
type Info struct {
	ID          string
	AgentID     string
	WorkspaceID string
	Scope       Scope
	State       State
	SnapshotSeq uint64
	TTL         time.Duration
	CreatedAt   time.Time
	ExpiresAt   time.Time
	OverlayKeys int
	HeldLocks   int
	Stats       Stats
}

func (s *Session) info() Info {
	stats := s.stats
	stats.OverlayKeys = len(s.overlay)
	return Info{
		ID:          s.ID,
		AgentID:     s.AgentID,
		WorkspaceID: s.WorkspaceID,
		Scope:       s.scope.spec,
		State:       s.state,
		SnapshotSeq: s.snapshot.Seq,
		TTL:         s.ttl,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
		OverlayKeys: len(s.overlay),
		HeldLocks:   len(s.lockIDs),
		Stats:       stats,
	}
}

func (s *Session) touch(now time.Time) {
	s.lastActive = now
}

func (s *Session) expired(now time.Time) bool {
	return s.ttl > 0 && now.After(s.expiresAt)
}

// usable reports whether the session accepts read/write operations in its
// current state.
func (s *Session) usable() error {
	switch s.state {
	case StateCreated, StateActive, StateConflictPending, StateManualResolution:
		return nil
	case StateStashed:
		return ErrSessionStashed
	case StateCommitting:
		return ErrCommitInFlight
	default:
		return ErrSessionClosed
	}
}

func (s *Session) trackLock(lockID string) {
	if s.lockIDs == nil {
		s.lockIDs = make(map[string]struct{})
	}
	s.lockIDs[lockID] = struct{}{}
}

func (s *Session) untrackLock(lockID string) {
	delete(s.lockIDs, lockID)
}

// takeLockIDs empties and returns the session's held lock handles. The
// session stores opaque ids only; the caller owns the actual release.
func (s *Session) takeLockIDs() []string {
	if len(s.lockIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.lockIDs))
	for id := range s.lockIDs {
		ids = append(ids, id)
	}
	s.lockIDs = make(map[string]struct{})
	return ids
}
