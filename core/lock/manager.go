package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrManagerClosed    = errors.New("lock manager is closed")
	ErrLockNotFound     = errors.New("lock not found")
	ErrLockUnavailable  = errors.New("lock unavailable")
	ErrDeadlockAvoided  = errors.New("lock request would close a wait cycle")
	ErrLockTimeout      = errors.New("lock wait timed out")
	ErrSessionReleased  = errors.New("session released while waiting for lock")
	ErrEmptyLockRequest = errors.New("lock request requires key and session id")
)

const (
	DefaultLockTTL             = 5 * time.Minute
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultSweepInterval       = 1 * time.Second
	DefaultEscalationThreshold = 16
)

// Config holds lock manager tunables. EscalationThreshold is the number of
// sibling shared entity locks one session may accumulate before they are
// promoted to a single subtree lock; zero disables escalation.
type Config struct {
	DefaultTTL          time.Duration
	DefaultTimeout      time.Duration
	SweepInterval       time.Duration
	EscalationThreshold int
	Logger              *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:          DefaultLockTTL,
		DefaultTimeout:      DefaultAcquireTimeout,
		SweepInterval:       DefaultSweepInterval,
		EscalationThreshold: DefaultEscalationThreshold,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultLockTTL
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultAcquireTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Request asks for a lock on a key. Wait=false fails immediately when the
// lock is held incompatibly; Wait=true parks the caller in a FIFO queue
// unless doing so would close a wait-for cycle.
type Request struct {
	Key       string
	Mode      Mode
	Scope     Scope
	SessionID string
	Wait      bool
	Timeout   time.Duration
	TTL       time.Duration
}

// Grant is a caller-visible lock handle. ID stays valid across transparent
// escalation of the underlying lock.
type Grant struct {
	ID         string
	Key        string
	Mode       Mode
	Scope      Scope
	SessionID  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// grant is the internal lock record. refs holds every live handle id pointing
// at it; escalation merges several handles onto one record.
type grant struct {
	Grant
	refs map[string]struct{}
}

type waitResult struct {
	grant *Grant
	err   error
}

const (
	waiterPending = iota
	waiterDone
)

type waiter struct {
	req    Request
	handle string
	result chan waitResult
	state  int
}

type Stats struct {
	Acquired    int64
	Released    int64
	Conflicts   int64
	Deadlocks   int64
	Timeouts    int64
	Escalations int64
	ActiveLocks int
	Waiting     int
}

// Manager grants and tracks hierarchical locks with deadlock avoidance. All
// methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	handles   map[string]*grant
	all       map[*grant]struct{}
	bySession map[string]map[*grant]struct{}
	queues    map[string][]*waiter
	graph     *waitForGraph
	stats     Stats
	closed    bool

	config Config
	logger *slog.Logger

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewManager(cfg Config) *Manager {
	cfg = normalizeConfig(cfg)

	m := &Manager{
		handles:   make(map[string]*grant),
		all:       make(map[*grant]struct{}),
		bySession: make(map[string]map[*grant]struct{}),
		queues:    make(map[string][]*waiter),
		graph:     newWaitForGraph(),
		config:    cfg,
		logger:    cfg.Logger.With("component", "lock-manager"),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go m.sweepLoop()
	return m
}

// Acquire grants the requested lock, queues behind incompatible holders when
// Wait is set, or fails with ErrLockUnavailable / ErrDeadlockAvoided /
// ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Grant, error) {
	if req.Key == "" || req.SessionID == "" {
		return nil, ErrEmptyLockRequest
	}
	req = m.normalizeRequest(req)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	holders := m.conflictingSessionsLocked(req)
	if len(holders) == 0 && !m.conflictingWaiterLocked(req) {
		g := m.grantLocked(req)
		m.mu.Unlock()
		return g, nil
	}

	if !req.Wait {
		m.stats.Conflicts++
		m.mu.Unlock()
		return nil, ErrLockUnavailable
	}

	if m.graph.wouldCycle(req.SessionID, holders) {
		m.stats.Deadlocks++
		m.mu.Unlock()
		return nil, ErrDeadlockAvoided
	}

	w := m.enqueueLocked(req, holders)
	m.mu.Unlock()

	return m.await(ctx, w, req.Timeout)
}

func (m *Manager) normalizeRequest(req Request) Request {
	if req.Timeout == 0 {
		req.Timeout = m.config.DefaultTimeout
	}
	if req.TTL == 0 {
		req.TTL = m.config.DefaultTTL
	}
	return req
}

func (m *Manager) enqueueLocked(req Request, holders map[string]struct{}) *waiter {
	w := &waiter{
		req:    req,
		handle: uuid.New().String(),
		result: make(chan waitResult, 1),
	}
	m.queues[req.Key] = append(m.queues[req.Key], w)
	m.graph.setEdges(w.handle, req.SessionID, holders)
	m.stats.Conflicts++
	return w
}

func (m *Manager) await(ctx context.Context, w *waiter, timeout time.Duration) (*Grant, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.grant, res.err
	case <-timer.C:
		return nil, m.abandonWaiter(w, ErrLockTimeout, true)
	case <-ctx.Done():
		return nil, m.abandonWaiter(w, ctx.Err(), false)
	}
}

// abandonWaiter removes a parked waiter after timeout or cancellation. If the
// grant raced in first it is released again so no lock leaks.
func (m *Manager) abandonWaiter(w *waiter, cause error, isTimeout bool) error {
	m.mu.Lock()
	if w.state == waiterPending {
		w.state = waiterDone
		m.removeFromQueueLocked(w)
		m.graph.removeWaiter(w.handle)
		if isTimeout {
			m.stats.Timeouts++
		}
		m.mu.Unlock()
		return cause
	}
	m.mu.Unlock()

	res := <-w.result
	if res.grant != nil {
		m.Release(res.grant.ID)
	}
	return cause
}

func (m *Manager) removeFromQueueLocked(w *waiter) {
	queue := m.queues[w.req.Key]
	for i, qw := range queue {
		if qw == w {
			m.queues[w.req.Key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.queues[w.req.Key]) == 0 {
		delete(m.queues, w.req.Key)
	}
}

func (m *Manager) conflictingSessionsLocked(req Request) map[string]struct{} {
	sessions := make(map[string]struct{})
	for g := range m.all {
		if g.SessionID == req.SessionID {
			continue
		}
		if !targetsOverlap(g.Key, g.Scope, req.Key, req.Scope) {
			continue
		}
		if g.Mode.CompatibleWith(req.Mode) {
			continue
		}
		sessions[g.SessionID] = struct{}{}
	}
	return sessions
}

// conflictingWaiterLocked keeps grants fair: a fresh request may not jump a
// queued incompatible waiter even when current holders would allow it.
func (m *Manager) conflictingWaiterLocked(req Request) bool {
	for _, queue := range m.queues {
		for _, w := range queue {
			if w.req.SessionID == req.SessionID {
				continue
			}
			if !targetsOverlap(w.req.Key, w.req.Scope, req.Key, req.Scope) {
				continue
			}
			if !w.req.Mode.CompatibleWith(req.Mode) {
				return true
			}
		}
	}
	return false
}

func (m *Manager) grantLocked(req Request) *Grant {
	return m.grantWithHandleLocked(req, uuid.New().String())
}

func (m *Manager) grantWithHandleLocked(req Request, handle string) *Grant {
	now := time.Now()
	g := &grant{
		Grant: Grant{
			ID:         handle,
			Key:        req.Key,
			Mode:       req.Mode,
			Scope:      req.Scope,
			SessionID:  req.SessionID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.TTL),
		},
		refs: map[string]struct{}{handle: {}},
	}

	m.handles[handle] = g
	m.all[g] = struct{}{}
	m.sessionGrantsLocked(req.SessionID)[g] = struct{}{}
	m.stats.Acquired++

	m.maybeEscalateLocked(req.SessionID, g)

	out := g.Grant
	out.ID = handle
	if escalated := m.handles[handle]; escalated != g {
		out = escalated.Grant
		out.ID = handle
	}
	return &out
}

func (m *Manager) sessionGrantsLocked(sessionID string) map[*grant]struct{} {
	grants := m.bySession[sessionID]
	if grants == nil {
		grants = make(map[*grant]struct{})
		m.bySession[sessionID] = grants
	}
	return grants
}

// Release frees one lock handle. The underlying lock is dropped when its last
// handle goes; compatible waiters are then woken in FIFO order.
func (m *Manager) Release(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	g, ok := m.handles[lockID]
	if !ok {
		return ErrLockNotFound
	}

	delete(m.handles, lockID)
	delete(g.refs, lockID)
	if len(g.refs) == 0 {
		m.dropGrantLocked(g)
	}

	m.promoteWaitersLocked()
	return nil
}

func (m *Manager) dropGrantLocked(g *grant) {
	delete(m.all, g)
	if grants := m.bySession[g.SessionID]; grants != nil {
		delete(grants, g)
		if len(grants) == 0 {
			delete(m.bySession, g.SessionID)
		}
	}
	m.stats.Released++
}

// ReleaseSession frees every lock a session holds and aborts its parked
// requests. Called on every session close path.
func (m *Manager) ReleaseSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	count := 0
	for g := range m.bySession[sessionID] {
		for handle := range g.refs {
			delete(m.handles, handle)
		}
		delete(m.all, g)
		m.stats.Released++
		count++
	}
	delete(m.bySession, sessionID)

	m.failSessionWaitersLocked(sessionID)
	m.graph.removeSession(sessionID)
	m.promoteWaitersLocked()

	return count
}

func (m *Manager) failSessionWaitersLocked(sessionID string) {
	for key, queue := range m.queues {
		kept := queue[:0]
		for _, w := range queue {
			if w.req.SessionID == sessionID && w.state == waiterPending {
				w.state = waiterDone
				w.result <- waitResult{err: ErrSessionReleased}
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(m.queues, key)
		} else {
			m.queues[key] = kept
		}
	}
}

// promoteWaitersLocked repeatedly grants queue heads whose conflicts have
// cleared, and refreshes wait-for edges for heads that remain blocked.
func (m *Manager) promoteWaitersLocked() {
	for {
		if !m.promotePassLocked() {
			return
		}
	}
}

func (m *Manager) promotePassLocked() bool {
	progress := false
	for _, key := range m.queueKeysLocked() {
		queue := m.queues[key]
		if len(queue) == 0 {
			continue
		}
		if m.promoteHeadLocked(key, queue[0]) {
			progress = true
		}
	}
	return progress
}

func (m *Manager) queueKeysLocked() []string {
	keys := make([]string, 0, len(m.queues))
	for key := range m.queues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) promoteHeadLocked(key string, w *waiter) bool {
	holders := m.conflictingSessionsLocked(w.req)
	if len(holders) > 0 {
		m.graph.setEdges(w.handle, w.req.SessionID, holders)
		return false
	}

	m.queues[key] = m.queues[key][1:]
	if len(m.queues[key]) == 0 {
		delete(m.queues, key)
	}
	m.graph.removeWaiter(w.handle)

	w.state = waiterDone
	g := m.grantWithHandleLocked(w.req, w.handle)
	w.result <- waitResult{grant: g}
	return true
}

// maybeEscalateLocked promotes a pile of sibling shared entity locks held by
// one session into a single subtree shared lock. Existing handles stay valid;
// they all point at the subtree lock afterwards.
func (m *Manager) maybeEscalateLocked(sessionID string, latest *grant) {
	threshold := m.config.EscalationThreshold
	if threshold <= 0 || latest.Mode != ModeShared || latest.Scope.isPrefix() {
		return
	}

	parent := parentKey(latest.Key)
	if parent == "" {
		return
	}

	siblings := m.sharedSiblingsLocked(sessionID, parent)
	if len(siblings) < threshold {
		return
	}

	if !m.escalationAdmissibleLocked(sessionID, parent) {
		return
	}

	m.escalateLocked(sessionID, parent, siblings)
}

func (m *Manager) sharedSiblingsLocked(sessionID, parent string) []*grant {
	var siblings []*grant
	for g := range m.bySession[sessionID] {
		if g.Mode == ModeShared && !g.Scope.isPrefix() && parentKey(g.Key) == parent {
			siblings = append(siblings, g)
		}
	}
	return siblings
}

func (m *Manager) escalationAdmissibleLocked(sessionID, parent string) bool {
	probe := Request{Key: parent, Mode: ModeShared, Scope: ScopeSubtree, SessionID: sessionID}
	return len(m.conflictingSessionsLocked(probe)) == 0 && !m.conflictingWaiterLocked(probe)
}

func (m *Manager) escalateLocked(sessionID, parent string, siblings []*grant) {
	now := time.Now()
	sub := &grant{
		Grant: Grant{
			ID:         uuid.New().String(),
			Key:        parent,
			Mode:       ModeShared,
			Scope:      ScopeSubtree,
			SessionID:  sessionID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.config.DefaultTTL),
		},
		refs: make(map[string]struct{}),
	}

	grants := m.sessionGrantsLocked(sessionID)
	for _, g := range siblings {
		for handle := range g.refs {
			sub.refs[handle] = struct{}{}
			m.handles[handle] = sub
		}
		delete(m.all, g)
		delete(grants, g)
	}

	m.all[sub] = struct{}{}
	grants[sub] = struct{}{}
	m.stats.Escalations++

	m.logger.Debug("escalated shared locks to subtree",
		"session_id", sessionID,
		"subtree", parent,
		"absorbed", len(siblings))
}

// Get returns the lock a handle currently points at.
func (m *Manager) Get(lockID string) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	g, ok := m.handles[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}

	out := g.Grant
	out.ID = lockID
	return &out, nil
}

// Holds lists the locks a session currently holds.
func (m *Manager) Holds(sessionID string) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	grants := make([]Grant, 0, len(m.bySession[sessionID]))
	for g := range m.bySession[sessionID] {
		grants = append(grants, g.Grant)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Key < grants[j].Key })
	return grants
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.ActiveLocks = len(m.all)
	stats.Waiting = m.graph.waitingCount()
	return stats
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	now := time.Now()
	expired := 0
	for g := range m.all {
		if g.ExpiresAt.After(now) {
			continue
		}
		for handle := range g.refs {
			delete(m.handles, handle)
		}
		m.dropGrantLocked(g)
		expired++
	}

	if expired > 0 {
		m.logger.Debug("expired locks released", "count", expired)
		m.promoteWaitersLocked()
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	for _, queue := range m.queues {
		for _, w := range queue {
			if w.state == waiterPending {
				w.state = waiterDone
				w.result <- waitResult{err: ErrManagerClosed}
			}
		}
	}
	m.queues = nil
	m.handles = nil
	m.all = nil
	m.bySession = nil
	m.mu.Unlock()

	close(m.stopSweep)
	<-m.sweepDone
	return nil
}
