// Package round drives the per-round bookkeeping of a target: computing the
// set of sources to recompile, handing it to the compiler integrations and
// committing the result back into the dirty flags.
//
// A Tracker moves through Idle, Scanning, Compiling and Committing. A round
// that ends with a reported fatal error or a cancellation commits nothing, so
// the same sources are still dirty when the next round begins.
package round

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/metrics"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
	"git.home.luguber.info/inful/buildstate/internal/stamps"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
)

// Scope selects how the dirty set of a round is computed.
type Scope int

const (
	// Incremental recompiles the sources currently flagged dirty.
	Incremental Scope = iota
	// Forced recompiles every known source of the target.
	Forced
)

func (s Scope) String() string {
	if s == Forced {
		return "forced"
	}
	return "incremental"
}

// Phase is the state of a Tracker.
type Phase int

const (
	Idle Phase = iota
	Scanning
	Compiling
	Committing
)

func (p Phase) String() string {
	switch p {
	case Scanning:
		return "scanning"
	case Compiling:
		return "compiling"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

var (
	// ErrRoundInProgress is returned by BeginRound while another round is open.
	ErrRoundInProgress = errors.DomainMisuseError("a round is already in progress").Build()
	// ErrNoRound is returned by Commit when no round is compiling.
	ErrNoRound = errors.DomainMisuseError("no round is being compiled").Build()
)

// Result describes how a round ended.
type Result struct {
	RoundID     string
	Committed   bool
	FullRebuild bool
	// AbortReason is set when Committed is false.
	AbortReason string
	Recompiled  []string
	Removed     []string
	Cleanup     CleanReport
	Duration    time.Duration
}

// Tracker runs the rounds of one target.
type Tracker struct {
	store   *srcstore.Store
	stamps  *stamps.Storage
	mapping *outputs.Mapping

	roots      []string
	logger     *slog.Logger
	recorder   metrics.Recorder
	publisher  events.Publisher
	removeFile func(path string) error

	mu      sync.Mutex
	phase   Phase
	delta   *Delta
	started time.Time
	pending sets.Set[string]
	removed sets.Set[string]
}

// NewTracker creates a tracker over the state of one target.
func NewTracker(store *srcstore.Store, st *stamps.Storage, mapping *outputs.Mapping) *Tracker {
	return &Tracker{
		store:      store,
		stamps:     st,
		mapping:    mapping,
		logger:     slog.Default(),
		recorder:   metrics.NoopRecorder{},
		publisher:  events.NoopPublisher{},
		removeFile: removeFile,
		pending:    sets.New[string](),
		removed:    sets.New[string](),
	}
}

// WithRoots sets the source roots used to group a delta.
func (t *Tracker) WithRoots(roots ...string) *Tracker {
	t.roots = make([]string, 0, len(roots))
	for _, r := range roots {
		t.roots = append(t.roots, relativize.Canonical(r))
	}
	return t
}

// WithLogger sets a custom logger.
func (t *Tracker) WithLogger(logger *slog.Logger) *Tracker {
	t.logger = logger
	return t
}

// WithRecorder sets the metrics recorder.
func (t *Tracker) WithRecorder(r metrics.Recorder) *Tracker {
	if r != nil {
		t.recorder = r
	}
	return t
}

// WithPublisher sets the event publisher.
func (t *Tracker) WithPublisher(p events.Publisher) *Tracker {
	if p != nil {
		t.publisher = p
	}
	return t
}

// WithFileRemover replaces the function used to delete stale outputs.
func (t *Tracker) WithFileRemover(fn func(path string) error) *Tracker {
	if fn != nil {
		t.removeFile = fn
	}
	return t
}

// TargetID returns the target this tracker belongs to.
func (t *Tracker) TargetID() string { return t.store.TargetID() }

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Delta returns the delta of the open round, or the one kept after an
// aborted round. It returns nil once a round committed.
func (t *Tracker) Delta() *Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delta
}

// NotifyChanged flags source dirty. While a round is compiling or committing
// the change is queued and applied once the round ends, so it cannot be lost
// to the commit of that round.
func (t *Tracker) NotifyChanged(source string) {
	source = relativize.Canonical(source)
	t.mu.Lock()
	if t.phase == Compiling || t.phase == Committing {
		t.pending.Add(source)
		t.mu.Unlock()
		return
	}
	delete(t.removed, source)
	t.mu.Unlock()
	t.stamps.MarkChanged(source)
}

// NotifyRemoved registers source as deleted. Its outputs are dropped by the
// next successful commit.
func (t *Tracker) NotifyRemoved(source string) {
	source = relativize.Canonical(source)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.Delete(source)
	t.removed.Add(source)
}

// PendingRemovals lists, sorted, the sources registered as deleted that no
// committed round has processed yet.
func (t *Tracker) PendingRemovals() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sets.Sorted(t.removed)
}

// BeginRound computes the delta of a new round and moves to Compiling.
func (t *Tracker) BeginRound(ctx context.Context, scope Scope) (*Delta, error) {
	t.mu.Lock()
	if t.phase != Idle {
		phase := t.phase
		t.mu.Unlock()
		return nil, ErrRoundInProgress.
			WithContext("target", t.TargetID()).
			WithContext("phase", phase.String())
	}
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return nil, canceled(err)
	}
	t.phase = Scanning
	t.started = time.Now()
	removed := t.removed.Clone()
	t.mu.Unlock()

	id := uuid.NewString()
	full := scope == Forced
	logger := t.logger.With(logfields.Target(t.TargetID()), logfields.RoundID(id))

	if full {
		n := t.stamps.MarkAllChanged()
		report := t.dropOutputs(ctx, t.knownSources(), id, "forced_rebuild")
		logger.Info("Forced rebuild, all sources marked dirty",
			logfields.Count(n),
			slog.Int("outputs_deleted", len(report.Deleted)),
			slog.Int("outputs_failed", len(report.Failed)))
	}

	dirty := t.stamps.DirtySources()
	if !full {
		dirty = append(dirty, t.CompleteRecompiledSet(dirty)...)
	}
	dirty = slices.DeleteFunc(dirty, removed.Has)

	if err := ctx.Err(); err != nil {
		t.setPhase(Idle)
		return nil, canceled(err)
	}

	delta := newDelta(id, full, groupByRoot(t.roots, dirty))

	t.mu.Lock()
	t.delta = delta
	t.phase = Compiling
	t.mu.Unlock()

	t.recorder.SetDirtySources(t.TargetID(), len(dirty))
	logger.Info("Round started",
		slog.String("scope", scope.String()),
		logfields.Count(len(dirty)),
		slog.Int("roots", len(delta.Roots())))
	return delta, nil
}

// CompleteRecompiledSet marks every source that shares a significant output
// with one of dirty as changed too, and returns those sources.
func (t *Tracker) CompleteRecompiledSet(dirty []string) []string {
	if len(dirty) == 0 {
		return nil
	}
	affectedOutputs := t.mapping.CollectAffectedOutputs(dirty, nil)
	if len(affectedOutputs) == 0 {
		return nil
	}
	already := sets.New(dirty...)
	var extra []string
	for _, snap := range t.mapping.FindAffectedSources([][]string{affectedOutputs}) {
		if already.Has(snap.SourceFile) {
			continue
		}
		if t.stamps.MarkChanged(snap.SourceFile) {
			extra = append(extra, snap.SourceFile)
		}
	}
	if len(extra) > 0 {
		t.logger.Debug("Completed recompiled set through shared outputs",
			logfields.Target(t.TargetID()),
			logfields.Count(len(extra)))
	}
	return extra
}

// Commit ends the open round. On success the outputs of removed sources are
// dropped, the recompiled sources are marked up to date and the delta is
// cleared. If bc reports a fatal error or a cancellation, or ctx is done,
// nothing is committed and the delta is kept.
func (t *Tracker) Commit(ctx context.Context, bc BuildContext) (Result, error) {
	t.mu.Lock()
	if t.phase != Compiling {
		t.mu.Unlock()
		return Result{}, ErrNoRound.WithContext("target", t.TargetID())
	}
	t.phase = Committing
	delta := t.delta
	started := t.started
	removed := t.removed
	t.removed = sets.New[string]()
	t.mu.Unlock()

	res := Result{RoundID: delta.ID(), FullRebuild: delta.FullRebuild()}
	logger := t.logger.With(logfields.Target(t.TargetID()), logfields.RoundID(delta.ID()))

	if reason, outcome := abortReason(ctx, bc); reason != "" {
		return t.abort(ctx, res, started, removed, reason, outcome, nil), nil
	}

	for _, source := range bc.RemovedSources() {
		removed.Add(relativize.Canonical(source))
	}
	res.Removed = sets.Sorted(removed)

	res.Cleanup = t.dropOutputs(ctx, res.Removed, delta.ID(), "source_removed")

	upToDate := slices.DeleteFunc(delta.Sources(), removed.Has)
	res.Recompiled = slices.Clone(upToDate)
	for _, source := range res.Removed {
		if _, known := t.store.Get(source); known {
			upToDate = append(upToDate, source)
		}
	}
	if err := t.stamps.MarkAsUpToDate(upToDate); err != nil {
		bc.ReportFatalError(err)
		return t.abort(ctx, res, started, removed, "commit failed", metrics.OutcomeFailed, err), err
	}

	delta.clear()
	pending := t.finish(true, nil)
	res.Committed = true
	res.Duration = time.Since(started)

	t.applyPending(pending)
	t.recorder.ObserveRoundDuration(t.TargetID(), res.Duration)
	t.recorder.IncRoundOutcome(t.TargetID(), metrics.OutcomeCommitted)
	t.recorder.SetDirtySources(t.TargetID(), 0)
	logger.Info("Round committed",
		slog.Int("recompiled", len(res.Recompiled)),
		slog.Int("removed", len(res.Removed)),
		logfields.Duration(res.Duration))
	events.PublishQuietly(ctx, t.publisher, logger, events.RoundCommitted{
		Target:      t.TargetID(),
		RoundID:     delta.ID(),
		Recompiled:  len(res.Recompiled),
		Removed:     len(res.Removed),
		FullRebuild: delta.FullRebuild(),
		Duration:    res.Duration,
		At:          time.Now(),
	})
	return res, nil
}

func (t *Tracker) abort(ctx context.Context, res Result, started time.Time, removed sets.Set[string],
	reason string, outcome metrics.OutcomeLabel, cause error,
) Result {
	pending := t.finish(false, removed)
	t.applyPending(pending)

	res.Committed = false
	res.AbortReason = reason
	res.Duration = time.Since(started)

	attrs := []any{logfields.Target(t.TargetID()), logfields.RoundID(res.RoundID), slog.String("reason", reason)}
	if cause != nil {
		attrs = append(attrs, logfields.Error(cause))
	}
	t.logger.Warn("Round not committed, sources stay dirty", attrs...)
	t.recorder.IncRoundOutcome(t.TargetID(), outcome)

	// Publishing must not depend on the cancelled round context.
	events.PublishQuietly(context.WithoutCancel(ctx), t.publisher, t.logger, events.RoundAborted{
		Target:  t.TargetID(),
		RoundID: res.RoundID,
		Reason:  reason,
		At:      time.Now(),
	})
	return res
}

// finish returns the tracker to Idle and hands back the queued changes. An
// uncommitted round keeps its delta and registers restore as removed again.
func (t *Tracker) finish(committed bool, restore sets.Set[string]) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if committed {
		t.delta = nil
	}
	for source := range restore {
		t.removed.Add(source)
	}
	pending := sets.Sorted(t.pending)
	for _, source := range pending {
		t.removed.Delete(source)
	}
	t.pending = sets.New[string]()
	t.phase = Idle
	return pending
}

func (t *Tracker) applyPending(pending []string) {
	for _, source := range pending {
		t.stamps.MarkChanged(source)
	}
}

func (t *Tracker) setPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

func (t *Tracker) knownSources() []string {
	var all []string
	t.store.ForEachValue(func(snap srcstore.Snapshot) bool {
		all = append(all, snap.SourceFile)
		return true
	})
	return all
}

func abortReason(ctx context.Context, bc BuildContext) (string, metrics.OutcomeLabel) {
	switch {
	case ctx.Err() != nil, bc.IsCancelled():
		return "cancelled", metrics.OutcomeCanceled
	case bc.HasFatalError():
		return "fatal error reported", metrics.OutcomeAborted
	}
	return "", ""
}

func canceled(err error) error {
	return errors.WrapError(err, errors.CategoryRuntime, "round cancelled").Build()
}
