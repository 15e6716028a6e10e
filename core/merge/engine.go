package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ry-ht/loom/core/store"
)

const (
	DefaultMaxApplyRetries = 3
	DefaultBaseCacheSize   = 512
)

// Config holds merge engine tunables. Semantic is the optional hook consulted
// by StrategyAuto for overlapping edits.
type Config struct {
	MaxApplyRetries int
	BaseCacheSize   int
	Semantic        SemanticMerger
	Logger          *slog.Logger
}

func normalizeEngineConfig(cfg Config) Config {
	if cfg.MaxApplyRetries <= 0 {
		cfg.MaxApplyRetries = DefaultMaxApplyRetries
	}
	if cfg.BaseCacheSize <= 0 {
		cfg.BaseCacheSize = DefaultBaseCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

type baseCacheKey struct {
	key     string
	version uint64
}

// Engine reconciles a session's overlay against the current store state:
// per-key three-way evaluation first, then one atomic conditional batch for
// the accepted subset. Losing the apply race triggers re-evaluation from
// scratch.
type Engine struct {
	store     store.Store
	semantic  SemanticMerger
	baseCache *lru.Cache[baseCacheKey, *store.Entity]
	config    Config
	logger    *slog.Logger
}

func NewEngine(st store.Store, cfg Config) (*Engine, error) {
	cfg = normalizeEngineConfig(cfg)

	cache, err := lru.New[baseCacheKey, *store.Entity](cfg.BaseCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     st,
		semantic:  cfg.Semantic,
		baseCache: cache,
		config:    cfg,
		logger:    cfg.Logger.With("component", "merge-engine"),
	}, nil
}

// Commit evaluates every overlay entry, then applies the accepted subset as a
// single all-or-nothing batch. The report describes every key's fate
// unconditionally; only storage failures surface as errors.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*Report, error) {
	start := time.Now()

	for attempt := 1; attempt <= e.config.MaxApplyRetries; attempt++ {
		report, ops, err := e.evaluate(ctx, req)
		if err != nil {
			return nil, err
		}
		report.Attempts = attempt

		// A discard that arrives while evaluation runs wins over the
		// commit as long as nothing has been applied yet.
		if req.Aborted != nil && req.Aborted() {
			return nil, fmt.Errorf("%w: session %s", ErrCommitAborted, req.SessionID)
		}

		if req.Strategy == StrategyManual && report.HasConflicts() {
			holdForManualResolution(report)
			report.Duration = time.Since(start)
			return report, nil
		}

		applied, err := e.applyPlan(ctx, report, ops)
		if err != nil {
			return nil, err
		}
		if applied {
			report.Duration = time.Since(start)
			return report, nil
		}

		e.logger.Debug("commit lost apply race, re-evaluating",
			"session_id", req.SessionID,
			"attempt", attempt)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrApplyExhausted, e.config.MaxApplyRetries)
}

func (e *Engine) applyPlan(ctx context.Context, report *Report, ops []store.BatchOp) (bool, error) {
	if len(ops) == 0 {
		return true, nil
	}

	results, err := e.store.ApplyBatch(ctx, ops)
	if errors.Is(err, store.ErrApplyRaceLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	fillNewVersions(report, results)
	return true, nil
}

func fillNewVersions(report *Report, results []store.BatchResult) {
	byKey := make(map[string]uint64, len(results))
	for _, res := range results {
		byKey[res.Key] = res.NewVersion
	}
	for i := range report.Results {
		if report.Results[i].Outcome == OutcomeApplied {
			report.Results[i].NewVersion = byKey[report.Results[i].Key]
		}
	}
}

// holdForManualResolution converts would-be writes into skips: under
// StrategyManual nothing is applied while conflicts remain, and every
// non-conflicted entry stays in the overlay for the re-commit.
func holdForManualResolution(report *Report) {
	for i := range report.Results {
		switch report.Results[i].Outcome {
		case OutcomeApplied, OutcomeSuperseded:
			report.Results[i].Outcome = OutcomeSkipped
			report.Results[i].NewVersion = 0
		}
	}
	recount(report)
}

func (e *Engine) evaluate(ctx context.Context, req CommitRequest) (*Report, []store.BatchOp, error) {
	report := &Report{
		SessionID: req.SessionID,
		Strategy:  req.Strategy,
		Results:   make([]KeyResult, 0, len(req.Entries)),
	}

	var ops []store.BatchOp
	for _, entry := range sortedEntries(req.Entries) {
		result, op, err := e.evalEntry(ctx, entry, req.Strategy)
		if err != nil {
			return nil, nil, err
		}
		report.Results = append(report.Results, result)
		if op != nil {
			ops = append(ops, *op)
		}
	}

	recount(report)
	return report, ops, nil
}

func sortedEntries(entries []CommitEntry) []CommitEntry {
	out := make([]CommitEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func recount(report *Report) {
	report.Applied, report.Conflicts, report.Superseded, report.Skipped = 0, 0, 0, 0
	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomeApplied:
			report.Applied++
		case OutcomeConflict:
			report.Conflicts++
		case OutcomeSuperseded:
			report.Superseded++
		case OutcomeSkipped:
			report.Skipped++
		}
	}
}

func (e *Engine) evalEntry(ctx context.Context, entry CommitEntry, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	current, err := e.currentEntity(ctx, entry.Key)
	if err != nil {
		return KeyResult{}, nil, err
	}

	effective := strategy
	if entry.Resolved {
		effective = StrategyMine
	}

	var currentVersion uint64
	if current != nil {
		currentVersion = current.Version
	}

	if effective == StrategyForce {
		return e.planWrite(entry, currentVersion)
	}

	if currentVersion == entry.BaseVersion {
		return e.evalClean(entry, current, currentVersion)
	}

	return e.evalDrift(ctx, entry, current, effective)
}

func (e *Engine) currentEntity(ctx context.Context, key string) (*store.Entity, error) {
	current, err := e.store.Read(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit evaluation read %q: %w", key, err)
	}
	return current, nil
}

// evalClean handles keys with no concurrent change since the session's base.
func (e *Engine) evalClean(entry CommitEntry, current *store.Entity, currentVersion uint64) (KeyResult, *store.BatchOp, error) {
	if entry.Delete {
		if current == nil || current.Tombstone {
			return skipped(entry.Key), nil, nil
		}
		return e.planWrite(entry, currentVersion)
	}

	if current != nil && !current.Tombstone && current.Payload.Equal(entry.Payload) {
		return skipped(entry.Key), nil, nil
	}

	return e.planWrite(entry, currentVersion)
}

func (e *Engine) planWrite(entry CommitEntry, expected uint64) (KeyResult, *store.BatchOp, error) {
	op := &store.BatchOp{
		Key:             entry.Key,
		Payload:         entry.Payload,
		Tombstone:       entry.Delete,
		ExpectedVersion: expected,
	}
	return KeyResult{Key: entry.Key, Outcome: OutcomeApplied}, op, nil
}

// evalDrift handles keys whose version moved past the session's base: a
// three-way comparison of base, overlay ("mine"), and current ("theirs").
func (e *Engine) evalDrift(ctx context.Context, entry CommitEntry, theirs *store.Entity, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	base, err := e.baseEntity(ctx, entry)
	if err != nil {
		return KeyResult{}, nil, err
	}

	switch {
	case entry.Delete && theirs.Tombstone:
		return superseded(entry.Key), nil, nil
	case entry.Delete:
		return e.evalDeleteVersusModify(entry, base, theirs, strategy)
	case theirs.Tombstone:
		return e.evalModifyVersusDelete(entry, base, theirs, strategy)
	default:
		return e.evalContent(ctx, entry, base, theirs, strategy)
	}
}

func (e *Engine) evalDeleteVersusModify(entry CommitEntry, base *store.Entity, theirs *store.Entity, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	if base != nil && !base.Tombstone && theirs.Payload.Equal(base.Payload) {
		return e.planWrite(entry, theirs.Version)
	}

	switch strategy {
	case StrategyMine:
		return e.planWrite(entry, theirs.Version)
	case StrategyTheirs:
		return superseded(entry.Key), nil, nil
	default:
		return conflict(entry, base, theirs), nil, nil
	}
}

func (e *Engine) evalModifyVersusDelete(entry CommitEntry, base *store.Entity, theirs *store.Entity, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	if base != nil && base.Payload.Equal(entry.Payload) {
		return superseded(entry.Key), nil, nil
	}

	switch strategy {
	case StrategyMine:
		return e.planWrite(entry, theirs.Version)
	case StrategyTheirs:
		return superseded(entry.Key), nil, nil
	default:
		return conflict(entry, base, theirs), nil, nil
	}
}

func (e *Engine) evalContent(ctx context.Context, entry CommitEntry, base *store.Entity, theirs *store.Entity, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	if entry.Payload.Equal(theirs.Payload) {
		return superseded(entry.Key), nil, nil
	}

	basePayload := basePayloadFor(entry, base)
	if theirs.Payload.Equal(basePayload) {
		return e.planWrite(entry, theirs.Version)
	}

	if merged, ok := mergePayloads(basePayload, entry.Payload, theirs.Payload); ok {
		mergedEntry := entry
		mergedEntry.Payload = merged
		return e.planWrite(mergedEntry, theirs.Version)
	}

	return e.resolveOverlap(ctx, entry, base, theirs, strategy)
}

func (e *Engine) resolveOverlap(ctx context.Context, entry CommitEntry, base *store.Entity, theirs *store.Entity, strategy Strategy) (KeyResult, *store.BatchOp, error) {
	switch strategy {
	case StrategyAuto:
		return e.trySemantic(ctx, entry, base, theirs)
	case StrategyMine:
		return e.planWrite(entry, theirs.Version)
	case StrategyTheirs:
		return superseded(entry.Key), nil, nil
	default:
		return conflict(entry, base, theirs), nil, nil
	}
}

func (e *Engine) trySemantic(ctx context.Context, entry CommitEntry, base *store.Entity, theirs *store.Entity) (KeyResult, *store.BatchOp, error) {
	if e.semantic == nil {
		return conflict(entry, base, theirs), nil, nil
	}

	merged, ok, err := e.semantic.Merge(ctx, basePayloadFor(entry, base), entry.Payload, theirs.Payload)
	if err != nil {
		return KeyResult{}, nil, fmt.Errorf("semantic merge for %q: %w", entry.Key, err)
	}
	if !ok {
		return conflict(entry, base, theirs), nil, nil
	}

	mergedEntry := entry
	mergedEntry.Payload = merged
	return e.planWrite(mergedEntry, theirs.Version)
}

// baseEntity loads the version this session first observed for the key.
// Committed versions are immutable, so the LRU needs no invalidation.
func (e *Engine) baseEntity(ctx context.Context, entry CommitEntry) (*store.Entity, error) {
	if entry.BaseVersion == 0 {
		return nil, nil
	}

	ck := baseCacheKey{key: entry.Key, version: entry.BaseVersion}
	if ent, ok := e.baseCache.Get(ck); ok {
		return ent, nil
	}

	ent, err := e.store.ReadVersion(ctx, entry.Key, entry.BaseVersion)
	if errors.Is(err, store.ErrVersionNotFound) || errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit base read %q@%d: %w", entry.Key, entry.BaseVersion, err)
	}

	e.baseCache.Add(ck, ent)
	return ent, nil
}

func basePayloadFor(entry CommitEntry, base *store.Entity) store.Payload {
	if base == nil || base.Tombstone {
		return store.Payload{Kind: entry.Payload.Kind}
	}
	return base.Payload
}

// mergePayloads dispatches the structural three-way merge exhaustively over
// payload kinds. Binary payloads never auto-merge.
func mergePayloads(base, mine, theirs store.Payload) (store.Payload, bool) {
	if mine.Kind != theirs.Kind {
		return store.Payload{}, false
	}
	if base.Kind != mine.Kind {
		base = store.Payload{Kind: mine.Kind}
	}

	switch mine.Kind {
	case store.PayloadText:
		merged, ok := threeWayText(base.Text, mine.Text, theirs.Text)
		if !ok {
			return store.Payload{}, false
		}
		return store.Payload{Kind: store.PayloadText, Text: merged}, true
	case store.PayloadTree:
		merged, ok := threeWayTree(base.Tree, mine.Tree, theirs.Tree)
		if !ok {
			return store.Payload{}, false
		}
		return store.TreePayload(merged), true
	case store.PayloadBinary:
		return store.Payload{}, false
	default:
		return store.Payload{}, false
	}
}

func skipped(key string) KeyResult {
	return KeyResult{Key: key, Outcome: OutcomeSkipped}
}

func superseded(key string) KeyResult {
	return KeyResult{Key: key, Outcome: OutcomeSuperseded}
}

func conflict(entry CommitEntry, base *store.Entity, theirs *store.Entity) KeyResult {
	res := KeyResult{Key: entry.Key, Outcome: OutcomeConflict}

	if base != nil && !base.Tombstone {
		p := base.Payload.Clone()
		res.Base = &p
	}
	if !entry.Delete {
		p := entry.Payload.Clone()
		res.Mine = &p
	}
	if theirs != nil && !theirs.Tombstone {
		p := theirs.Payload.Clone()
		res.Theirs = &p
	}

	return res
}
