// Package targetstate owns the in-memory state of every target a worker
// builds and moves it to and from persistent storage.
package targetstate

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/metrics"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/round"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
	"git.home.luguber.info/inful/buildstate/internal/stamps"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
)

// ErrOutputsNotDeleted is returned by CleanStaleTarget when some output files survived.
var ErrOutputsNotDeleted = errors.FileSystemError("stale outputs could not be deleted").Build()

// State is the complete state of one target. Every component shares the
// store and therefore its lock.
type State struct {
	ID      string
	Store   *srcstore.Store
	Stamps  *stamps.Storage
	Outputs *outputs.Mapping
	Tracker *round.Tracker
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithSignificance sets the predicate deciding which outputs propagate invalidation.
func WithSignificance(p outputs.SignificantOutput) Option {
	return func(r *Registry) { r.significant = p }
}

// WithRoots sets the source roots used to group round deltas.
func WithRoots(roots ...string) Option {
	return func(r *Registry) { r.roots = slices.Clone(roots) }
}

// WithBackendName labels checkpoint metrics.
func WithBackendName(name string) Option {
	return func(r *Registry) { r.backend = name }
}

// WithFileRemover replaces the function deleting stale outputs.
func WithFileRemover(fn func(path string) error) Option {
	return func(r *Registry) { r.removeFile = fn }
}

// Registry creates target states lazily and persists them.
type Registry struct {
	persisted   persist.Store
	paths       *relativize.PathTypeAware
	significant outputs.SignificantOutput
	roots       []string
	backend     string
	logger      *slog.Logger
	recorder    metrics.Recorder
	publisher   events.Publisher
	removeFile  func(path string) error

	mu     sync.Mutex
	states map[string]*State
}

// New creates a registry persisting into store with paths encoded by paths.
func New(store persist.Store, paths *relativize.PathTypeAware, opts ...Option) *Registry {
	r := &Registry{
		persisted: store,
		paths:     paths,
		backend:   "unknown",
		logger:    slog.Default(),
		recorder:  metrics.NoopRecorder{},
		publisher: events.NoopPublisher{},
		states:    make(map[string]*State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the state of targetID, loading it from storage on first use.
// A target without saved state starts empty, as for a clean build.
func (r *Registry) Open(ctx context.Context, targetID string) (*State, error) {
	r.mu.Lock()
	if st, ok := r.states[targetID]; ok {
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	records, err := r.persisted.Load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	snaps, err := persist.Decode(records, r.paths.Source, r.paths.Output)
	if err != nil {
		return nil, err
	}
	st := r.newState(targetID, srcstore.Restore(targetID, snaps))
	for i, rec := range records {
		if rec.Removed {
			st.Tracker.NotifyRemoved(snaps[i].SourceFile)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.states[targetID]; ok {
		return existing, nil
	}
	r.states[targetID] = st
	r.logger.Debug("Opened target state",
		logfields.Target(targetID),
		logfields.Count(st.Store.Size()),
		slog.Bool("restored", records != nil))
	return st, nil
}

func (r *Registry) newState(targetID string, store *srcstore.Store) *State {
	var opts []outputs.Option
	if r.significant != nil {
		opts = append(opts, outputs.WithSignificance(r.significant))
	}
	st := stamps.New(store).WithLogger(r.logger)
	mapping := outputs.New(store, r.paths.Output, opts...)
	tracker := round.NewTracker(store, st, mapping).
		WithRoots(r.roots...).
		WithLogger(r.logger).
		WithRecorder(r.recorder).
		WithPublisher(r.publisher).
		WithFileRemover(r.removeFile)
	return &State{ID: targetID, Store: store, Stamps: st, Outputs: mapping, Tracker: tracker}
}

// Get returns an already open state.
func (r *Registry) Get(targetID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[targetID]
	return st, ok
}

// Mapping returns the output mapping of an open target.
func (r *Registry) Mapping(targetID string) (*outputs.Mapping, bool) {
	st, ok := r.Get(targetID)
	if !ok {
		return nil, false
	}
	return st.Outputs, true
}

// OpenTargets lists the open targets, sorted.
func (r *Registry) OpenTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.states))
}

// Save persists the state of an open target, including removals no round
// has processed yet.
func (r *Registry) Save(ctx context.Context, targetID string) error {
	st, ok := r.Get(targetID)
	if !ok {
		return nil
	}
	start := time.Now()
	snaps := st.Store.GetFinalList()
	records, err := persist.Encode(snaps, r.paths.Source)
	if err == nil {
		removed := sets.New(st.Tracker.PendingRemovals()...)
		for i := range records {
			records[i].Removed = removed.Has(snaps[i].SourceFile)
		}
		err = r.persisted.Save(ctx, targetID, records)
	}
	r.recorder.ObserveCheckpointDuration(r.backend, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	r.logger.Debug("Saved target state",
		logfields.Target(targetID),
		logfields.Backend(r.backend),
		logfields.Count(len(records)),
		logfields.Duration(time.Since(start)))
	return nil
}

// Checkpoint saves every open target and returns the joined failures.
func (r *Registry) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, targetID := range r.OpenTargets() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.Save(ctx, targetID); err != nil {
			r.logger.Error("Checkpoint failed", logfields.Target(targetID), logfields.Error(err))
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Prune removes the descriptors of sources that left targetID and returns
// how many existed. Their outputs must have been dropped beforehand.
func (r *Registry) Prune(ctx context.Context, targetID string, sources []string) (int, error) {
	st, err := r.Open(ctx, targetID)
	if err != nil {
		return 0, err
	}
	n := 0
	_ = st.Store.WithLock(func(tx *srcstore.Tx) error {
		for _, source := range sources {
			if tx.Remove(source) {
				n++
			}
		}
		return nil
	})
	r.logger.Info("Pruned sources", logfields.Target(targetID), logfields.Count(n))
	return n, nil
}

// Forget retires sources deleted from targetID: their outputs are deleted
// and their descriptors pruned. Sources with undeleted outputs are kept, and
// the report lists those outputs as failed.
func (r *Registry) Forget(ctx context.Context, targetID string, sources []string) (round.CleanReport, int, error) {
	st, err := r.Open(ctx, targetID)
	if err != nil {
		return round.CleanReport{}, 0, err
	}
	report, gone := st.Tracker.DropSources(ctx, sources)
	n, err := r.Prune(ctx, targetID, gone)
	return report, n, err
}

// CleanStaleTarget deletes every output recorded for a target that no longer
// exists and drops its saved state. If some files cannot be deleted the state
// is saved with those outputs and ErrOutputsNotDeleted is returned.
func (r *Registry) CleanStaleTarget(ctx context.Context, targetID string) (round.CleanReport, error) {
	st, err := r.Open(ctx, targetID)
	if err != nil {
		return round.CleanReport{}, err
	}
	report := st.Tracker.DropAllOutputs(ctx)
	if len(report.Failed) > 0 {
		if err := r.Save(ctx, targetID); err != nil {
			return report, err
		}
		return report, ErrOutputsNotDeleted.
			WithContext("target", targetID).
			WithContext("count", len(report.Failed))
	}
	if err := r.persisted.Delete(ctx, targetID); err != nil {
		return report, err
	}
	r.mu.Lock()
	delete(r.states, targetID)
	r.mu.Unlock()
	r.logger.Info("Cleaned stale target",
		logfields.Target(targetID),
		logfields.Count(len(report.Deleted)))
	return report, nil
}

// CleanStaleTargets cleans every persisted target not listed in live.
func (r *Registry) CleanStaleTargets(ctx context.Context, live []string) ([]string, error) {
	persisted, err := r.persisted.Targets(ctx)
	if err != nil {
		return nil, err
	}
	var (
		cleaned []string
		errs    []error
	)
	for _, targetID := range persisted {
		if slices.Contains(live, targetID) {
			continue
		}
		if _, err := r.CleanStaleTarget(ctx, targetID); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned = append(cleaned, targetID)
	}
	return cleaned, stderrors.Join(errs...)
}

// PersistedTargets lists targets with saved state.
func (r *Registry) PersistedTargets(ctx context.Context) ([]string, error) {
	return r.persisted.Targets(ctx)
}

// Close saves every open target.
func (r *Registry) Close(ctx context.Context) error {
	return r.Checkpoint(ctx)
}
