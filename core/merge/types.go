package merge

import (
	"context"
	"errors"
	"time"

	"github.com/ry-ht/loom/core/store"
)

var (
	ErrApplyExhausted = errors.New("commit lost the apply race on every attempt")
	ErrCommitAborted  = errors.New("commit aborted before apply")
)

// Strategy selects how overlapping concurrent edits are resolved at commit.
type Strategy int

const (
	// StrategyAuto merges non-overlapping edits and consults the semantic
	// hook for overlapping ones; undecidable edits become conflicts.
	StrategyAuto Strategy = iota

	// StrategyManual surfaces every overlapping edit as a conflict and
	// applies nothing until each is explicitly resolved.
	StrategyManual

	// StrategyTheirs discards the overlay content for contested keys.
	StrategyTheirs

	// StrategyMine forces the overlay content through for contested keys.
	StrategyMine

	// StrategyForce applies overlay content regardless of version drift.
	StrategyForce
)

var strategyNames = map[Strategy]string{
	StrategyAuto:   "auto",
	StrategyManual: "manual",
	StrategyTheirs: "theirs",
	StrategyMine:   "mine",
	StrategyForce:  "force",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome is the fate of one overlay key in a commit attempt.
type Outcome int

const (
	// OutcomeApplied means the key's overlay content (possibly auto-merged
	// with concurrent changes) was committed as a new version.
	OutcomeApplied Outcome = iota

	// OutcomeConflict means overlapping concurrent edits need resolution;
	// the store is untouched for this key.
	OutcomeConflict

	// OutcomeSuperseded means the concurrent change won and the overlay
	// content was deliberately not written.
	OutcomeSuperseded

	// OutcomeSkipped means no write was needed or the commit stopped before
	// this key was applied; the overlay entry is preserved.
	OutcomeSkipped
)

var outcomeNames = map[Outcome]string{
	OutcomeApplied:    "applied",
	OutcomeConflict:   "conflict",
	OutcomeSuperseded: "superseded",
	OutcomeSkipped:    "skipped",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// CommitEntry is one buffered overlay write handed to the engine.
type CommitEntry struct {
	Key         string
	Payload     store.Payload
	Delete      bool
	BaseVersion uint64

	// Resolved marks an entry produced by explicit conflict resolution; it
	// wins over concurrent changes the way StrategyMine entries do.
	Resolved bool
}

// CommitRequest is a session's overlay plus the strategy to commit it under.
type CommitRequest struct {
	SessionID string
	Entries   []CommitEntry
	Strategy  Strategy

	// Aborted, when set, is polled after evaluation and before the atomic
	// apply. Returning true abandons the commit with ErrCommitAborted and
	// leaves the store untouched.
	Aborted func() bool
}

// KeyResult reports one key's fate. Base, Mine, and Theirs carry content for
// conflicts so callers can resolve without further reads.
type KeyResult struct {
	Key        string
	Outcome    Outcome
	NewVersion uint64
	Base       *store.Payload
	Mine       *store.Payload
	Theirs     *store.Payload
}

// Report describes every touched key's fate for one commit attempt.
// Conflicts are data here, never errors.
type Report struct {
	SessionID  string
	Strategy   Strategy
	Results    []KeyResult
	Applied    int
	Conflicts  int
	Superseded int
	Skipped    int
	Attempts   int
	Duration   time.Duration
}

func (r *Report) HasConflicts() bool {
	return r.Conflicts > 0
}

func (r *Report) Result(key string) *KeyResult {
	for i := range r.Results {
		if r.Results[i].Key == key {
			return &r.Results[i]
		}
	}
	return nil
}

// SemanticMerger is the pluggable hook StrategyAuto consults for overlapping
// edits before declaring a conflict. Returning ok=false declines to decide.
type SemanticMerger interface {
	Merge(ctx context.Context, base, mine, theirs store.Payload) (merged store.Payload, ok bool, err error)
}
