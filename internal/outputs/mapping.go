// Package outputs maps the sources of a target to the output artifacts they produce.
//
// Outputs are stored as OUTPUT-domain identifiers on the source descriptors of a
// srcstore.Store. Every operation that looks up a descriptor and then changes it
// runs as one critical section of the store, so a concurrent Remove can never
// interleave between the lookup and the mutation. Identifiers are validated
// before the lock is taken.
package outputs

import (
	"slices"
	"strings"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
)

// ErrUnknownSource is returned when outputs are registered for a source the target does not know.
var ErrUnknownSource = errors.UnknownSourceError("source unknown").Build()

// SignificantOutput reports whether an output identifier can carry
// invalidation from one source to another. Auxiliary marker outputs shared by
// every source of a module return false.
type SignificantOutput func(rel string) bool

// ExcludeSuffixes treats outputs whose name ends in one of suffixes as insignificant.
func ExcludeSuffixes(suffixes ...string) SignificantOutput {
	suffixes = slices.Clone(suffixes)
	return func(rel string) bool {
		for _, suffix := range suffixes {
			if strings.HasSuffix(rel, suffix) {
				return false
			}
		}
		return true
	}
}

// DefaultInsignificantSuffixes lists the module metadata written by the Kotlin compiler.
var DefaultInsignificantSuffixes = []string{".kotlin_module"}

// Option configures a Mapping.
type Option func(*Mapping)

// WithSignificance replaces the predicate used by FindAffectedSources.
func WithSignificance(p SignificantOutput) Option {
	return func(m *Mapping) {
		if p != nil {
			m.significant = p
		}
	}
}

// Mapping is the source to output index of one target.
type Mapping struct {
	store       *srcstore.Store
	output      relativize.OutputRelativizer
	significant SignificantOutput
}

// New creates a mapping over store resolving identifiers with output.
func New(store *srcstore.Store, output relativize.OutputRelativizer, opts ...Option) *Mapping {
	m := &Mapping{
		store:       store,
		output:      output,
		significant: ExcludeSuffixes(DefaultInsignificantSuffixes...),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mapping) unknown(source string) error {
	return ErrUnknownSource.
		WithContext("source", source).
		WithContext("target", m.store.TargetID())
}

// SetOutputs replaces the output set of source. An empty set clears the outputs
// of a known source and is ignored for an unknown one; a non-empty set requires
// the source to be known.
func (m *Mapping) SetOutputs(source string, outputPaths []string) error {
	rels := make([]string, 0, len(outputPaths))
	for _, p := range outputPaths {
		rel, err := m.output.Raw(p)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
	}

	return m.store.WithLock(func(tx *srcstore.Tx) error {
		d, ok := tx.Get(source)
		if !ok {
			if len(rels) == 0 {
				return nil
			}
			return m.unknown(source)
		}
		d.ReplaceOutputs(rels)
		return nil
	})
}

// AppendOutput registers one more output path, relative to the output root.
func (m *Mapping) AppendOutput(source, outputPath string) error {
	rel, err := m.output.Raw(outputPath)
	if err != nil {
		return err
	}
	return m.AppendRawRelativeOutput(source, rel)
}

// AppendRawRelativeOutput registers an identifier verbatim. Appending an
// identifier that is already present leaves the set unchanged.
func (m *Mapping) AppendRawRelativeOutput(source, rel string) error {
	if rel == "" {
		return relativize.ErrInvalidIdentifier.WithContext("identifier", rel).WithContext("domain", "output")
	}
	return m.store.WithLock(func(tx *srcstore.Tx) error {
		d, ok := tx.Get(source)
		if !ok {
			return m.unknown(source)
		}
		d.AppendOutput(rel)
		return nil
	})
}

// RemoveOutput removes one output of source and reports whether it was present.
func (m *Mapping) RemoveOutput(source, outputPath string) (bool, error) {
	rel, err := m.output.Raw(outputPath)
	if err != nil {
		return false, err
	}
	var removed bool
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		if d, ok := tx.Get(source); ok {
			removed = d.RemoveOutput(rel)
		}
		return nil
	})
	return removed, nil
}

// Remove clears the outputs of source. The descriptor itself stays.
func (m *Mapping) Remove(source string) {
	m.RemoveAll([]string{source})
}

// RemoveAll clears the outputs of every source in one critical section.
func (m *Mapping) RemoveAll(sources []string) {
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		for _, source := range sources {
			if d, ok := tx.Get(source); ok {
				d.ClearOutputs()
			}
		}
		return nil
	})
}

// GetOutputs returns the output identifiers of source, or nil if it is unknown.
func (m *Mapping) GetOutputs(source string) []string {
	snap, ok := m.store.Get(source)
	if !ok {
		return nil
	}
	return snap.Outputs
}

// GetOutputPaths returns the outputs of source resolved to filesystem paths,
// or nil if it is unknown.
func (m *Mapping) GetOutputPaths(source string) []string {
	rels := m.GetOutputs(source)
	if rels == nil {
		return nil
	}
	paths := make([]string, len(rels))
	for i, rel := range rels {
		paths[i] = m.output.ToAbsolute(rel)
	}
	return paths
}

// GetAndClearOutputs atomically takes the outputs of source, leaving it with an
// empty set. Callers delete the returned files after this returns. Returns nil
// if the source is unknown.
func (m *Mapping) GetAndClearOutputs(source string) []string {
	var prev []string
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		if d, ok := tx.Get(source); ok {
			prev = d.ClearOutputs()
		}
		return nil
	})
	return prev
}

// TakeUnclaimedOutputs clears the outputs of every known source in sources in
// one critical section and returns, per source, the outputs no other
// descriptor still lists. Those are safe to delete. Outputs still claimed by a
// source outside sources stay registered there and are returned in shared.
// An output listed by several of sources is returned once, under the first.
func (m *Mapping) TakeUnclaimedOutputs(sources []string) (owned map[string][]string, shared []string) {
	owned = make(map[string][]string)
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		taken := make(map[string][]string, len(sources))
		for _, source := range sources {
			if d, ok := tx.Get(source); ok {
				if outs := d.ClearOutputs(); len(outs) > 0 {
					taken[source] = outs
				}
			}
		}
		if len(taken) == 0 {
			return nil
		}
		claimed := sets.New[string]()
		tx.ForEach(func(d *srcstore.Descriptor) bool {
			claimed.AddAll(d.Outputs()...)
			return true
		})
		seen := sets.New[string]()
		for _, source := range sources {
			for _, rel := range taken[source] {
				switch {
				case claimed.Has(rel):
					if seen.Add(rel) {
						shared = append(shared, rel)
					}
				case seen.Add(rel):
					owned[source] = append(owned[source], rel)
				}
			}
		}
		return nil
	})
	slices.Sort(shared)
	return owned, shared
}

// CollectAffectedOutputs appends the outputs of every known source in sources to into.
func (m *Mapping) CollectAffectedOutputs(sources []string, into []string) []string {
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		for _, source := range sources {
			if d, ok := tx.Get(source); ok {
				into = append(into, d.Outputs()...)
			}
		}
		return nil
	})
	return into
}

// FindAffectedSources returns, sorted by source path, every descriptor holding
// at least one significant output that appears in one of the batches.
func (m *Mapping) FindAffectedSources(affectedOutputBatches [][]string) []srcstore.Snapshot {
	affected := sets.New[string]()
	for _, batch := range affectedOutputBatches {
		for _, rel := range batch {
			if m.significant(rel) {
				affected.Add(rel)
			}
		}
	}
	if affected.Len() == 0 {
		return nil
	}

	var result []srcstore.Snapshot
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		tx.ForEach(func(d *srcstore.Descriptor) bool {
			for _, rel := range d.Outputs() {
				if affected.Has(rel) {
					result = append(result, d.Snapshot())
					break
				}
			}
			return true
		})
		return nil
	})
	slices.SortFunc(result, func(a, b srcstore.Snapshot) int {
		return strings.Compare(a.SourceFile, b.SourceFile)
	})
	return result
}

// ForEach visits every (source, outputs) pair under the lock until visitor
// returns false. The visitor must not perform I/O.
func (m *Mapping) ForEach(visitor func(source string, outputs []string) bool) {
	_ = m.store.WithLock(func(tx *srcstore.Tx) error {
		tx.ForEach(func(d *srcstore.Descriptor) bool {
			return visitor(d.SourceFile(), d.Outputs())
		})
		return nil
	})
}

// IsSignificant exposes the configured predicate.
func (m *Mapping) IsSignificant(rel string) bool {
	return m.significant(rel)
}

// NormalizeOutput validates a path relative to the output root and returns its identifier.
func (m *Mapping) NormalizeOutput(outputPath string) (string, error) {
	return m.output.Raw(outputPath)
}

// ResolveOutput turns an identifier into a filesystem path.
func (m *Mapping) ResolveOutput(rel string) string {
	return m.output.ToAbsolute(rel)
}
