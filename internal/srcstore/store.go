// Package srcstore holds the per-target source descriptor table.
//
// One Store exists per compilation target and owns exactly one mutex. Every
// operation, including compound read-modify-write sequences spanning several
// descriptors, runs as a single critical section through WithLock. Code running
// under the lock must not perform I/O.
package srcstore

import (
	"slices"
	"strings"
	"sync"

	"git.home.luguber.info/inful/buildstate/internal/relativize"
)

// Store is the descriptor table of one target.
type Store struct {
	targetID    string
	mu          sync.Mutex
	descriptors map[string]*Descriptor
}

// New creates an empty store, as used for a clean build.
func New(targetID string) *Store {
	return &Store{
		targetID:    targetID,
		descriptors: make(map[string]*Descriptor),
	}
}

// Restore creates a store from persisted snapshots. Later duplicates of a
// source replace earlier ones.
func Restore(targetID string, snapshots []Snapshot) *Store {
	s := New(targetID)
	for _, snap := range snapshots {
		d := &Descriptor{
			sourceFile: relativize.Canonical(snap.SourceFile),
			isChanged:  snap.IsChanged,
		}
		d.ReplaceOutputs(snap.Outputs)
		s.descriptors[d.sourceFile] = d
	}
	return s
}

// TargetID returns the identifier of the target this store belongs to.
func (s *Store) TargetID() string { return s.targetID }

// WithLock runs fn with exclusive access to the table. fn must be fast and must
// not block on I/O; the Tx is invalid once fn returns.
func (s *Store) WithLock(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{store: s}
	defer func() { tx.store = nil }()
	return fn(tx)
}

// Get returns a snapshot of the descriptor for path.
func (s *Store) Get(path string) (Snapshot, bool) {
	var (
		snap  Snapshot
		found bool
	)
	_ = s.WithLock(func(tx *Tx) error {
		if d, ok := tx.Get(path); ok {
			snap, found = d.Snapshot(), true
		}
		return nil
	})
	return snap, found
}

// GetOrCreate returns the descriptor for path, creating a dirty one when the
// source is first discovered.
func (s *Store) GetOrCreate(path string) Snapshot {
	var snap Snapshot
	_ = s.WithLock(func(tx *Tx) error {
		d, _ := tx.GetOrCreate(path)
		snap = d.Snapshot()
		return nil
	})
	return snap
}

// ForEachValue visits snapshots of every descriptor under the lock until the
// visitor returns false. The visitor must not perform I/O.
func (s *Store) ForEachValue(visitor func(Snapshot) bool) {
	_ = s.WithLock(func(tx *Tx) error {
		tx.ForEach(func(d *Descriptor) bool {
			return visitor(d.Snapshot())
		})
		return nil
	})
}

// Size returns the number of known sources.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.descriptors)
}

// Remove prunes the descriptor of a source that left the target.
func (s *Store) Remove(path string) bool {
	var removed bool
	_ = s.WithLock(func(tx *Tx) error {
		removed = tx.Remove(path)
		return nil
	})
	return removed
}

// GetFinalList returns snapshots of all descriptors sorted by source path, the
// canonical shape handed to persistence and reporting.
func (s *Store) GetFinalList() []Snapshot {
	var list []Snapshot
	_ = s.WithLock(func(tx *Tx) error {
		list = make([]Snapshot, 0, tx.Size())
		tx.ForEach(func(d *Descriptor) bool {
			list = append(list, d.Snapshot())
			return true
		})
		return nil
	})
	slices.SortFunc(list, func(a, b Snapshot) int {
		return strings.Compare(a.SourceFile, b.SourceFile)
	})
	return list
}

// Tx gives lock-held access to the table inside Store.WithLock.
type Tx struct {
	store *Store
}

func (tx *Tx) table() map[string]*Descriptor {
	if tx.store == nil {
		panic("srcstore: Tx used outside of WithLock")
	}
	return tx.store.descriptors
}

// Lookup returns Known or Unknown for path.
func (tx *Tx) Lookup(path string) Entry {
	key := relativize.Canonical(path)
	if d, ok := tx.table()[key]; ok {
		return Known{Descriptor: d}
	}
	return Unknown{SourceFile: key}
}

// Get returns the descriptor for path if the source is known.
func (tx *Tx) Get(path string) (*Descriptor, bool) {
	d, ok := tx.table()[relativize.Canonical(path)]
	return d, ok
}

// GetOrCreate returns the descriptor for path, creating a dirty one if needed.
func (tx *Tx) GetOrCreate(path string) (*Descriptor, bool) {
	key := relativize.Canonical(path)
	table := tx.table()
	if d, ok := table[key]; ok {
		return d, false
	}
	d := &Descriptor{sourceFile: key, isChanged: true, outputs: []string{}}
	table[key] = d
	return d, true
}

// Remove deletes the descriptor for path.
func (tx *Tx) Remove(path string) bool {
	key := relativize.Canonical(path)
	table := tx.table()
	if _, ok := table[key]; !ok {
		return false
	}
	delete(table, key)
	return true
}

// ForEach visits descriptors in unspecified order until fn returns false.
func (tx *Tx) ForEach(fn func(*Descriptor) bool) {
	for _, d := range tx.table() {
		if !fn(d) {
			return
		}
	}
}

// Size returns the number of descriptors.
func (tx *Tx) Size() int { return len(tx.table()) }
