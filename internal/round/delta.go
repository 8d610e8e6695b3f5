package round

import (
	"slices"
	"sync"
)

// Delta is the set of sources one round recompiles, grouped by source root.
type Delta struct {
	mu          sync.Mutex
	id          string
	fullRebuild bool
	byRoot      map[string][]string
}

func newDelta(id string, fullRebuild bool, byRoot map[string][]string) *Delta {
	return &Delta{id: id, fullRebuild: fullRebuild, byRoot: byRoot}
}

// ID returns the round identifier.
func (d *Delta) ID() string { return d.id }

// FullRebuild reports whether the round was forced. Incremental differentiation
// is disabled for such rounds.
func (d *Delta) FullRebuild() bool { return d.fullRebuild }

// ForEach calls visitor for every root in sorted order with the sorted sources
// under it. The delta stays locked until ForEach returns, so visitor must not
// call other methods of the same Delta. Iteration stops at the first error.
func (d *Delta) ForEach(visitor func(root string, sources []string) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, root := range d.rootsLocked() {
		if err := visitor(root, slices.Clone(d.byRoot[root])); err != nil {
			return err
		}
	}
	return nil
}

// Roots returns the roots with at least one dirty source.
func (d *Delta) Roots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootsLocked()
}

func (d *Delta) rootsLocked() []string {
	roots := make([]string, 0, len(d.byRoot))
	for root := range d.byRoot {
		roots = append(roots, root)
	}
	slices.Sort(roots)
	return roots
}

// Sources returns every source of the delta, sorted.
func (d *Delta) Sources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []string
	for _, sources := range d.byRoot {
		all = append(all, sources...)
	}
	slices.Sort(all)
	return all
}

// Len returns the number of sources.
func (d *Delta) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, sources := range d.byRoot {
		n += len(sources)
	}
	return n
}

// IsEmpty reports whether nothing needs recompiling.
func (d *Delta) IsEmpty() bool { return d.Len() == 0 }

func (d *Delta) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byRoot = map[string][]string{}
}

// groupByRoot assigns every source to the longest root containing it. Sources
// outside all roots are grouped under "".
func groupByRoot(roots, sources []string) map[string][]string {
	byRoot := make(map[string][]string)
	for _, source := range sources {
		owner := ""
		for _, root := range roots {
			if len(root) > len(owner) && (source == root || hasDirPrefix(source, root)) {
				owner = root
			}
		}
		byRoot[owner] = append(byRoot[owner], source)
	}
	for _, list := range byRoot {
		slices.Sort(list)
	}
	return byRoot
}

func hasDirPrefix(p, dir string) bool {
	if dir == "/" {
		return len(p) > 1 && p[0] == '/'
	}
	return len(p) > len(dir) && p[len(dir)] == '/' && p[:len(dir)] == dir
}
