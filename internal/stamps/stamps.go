// Package stamps implements the dirty-flag state machine of a target.
//
// A stamp is either UNCHANGED or CHANGED. Stamps are driven externally by
// change notifications and confirmed compilations; they are never derived from
// file timestamps or content hashes.
package stamps

import (
	"log/slog"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
)

// Stamp is the persisted dirty status of a source.
type Stamp int

const (
	Unchanged Stamp = iota
	Changed
)

func (s Stamp) String() string {
	if s == Changed {
		return "CHANGED"
	}
	return "UNCHANGED"
}

var (
	// ErrUnknownSource is returned by MarkAsUpToDate for sources without a descriptor.
	ErrUnknownSource = errors.UnknownSourceError("source unknown").Build()
	// ErrFileStampsUnsupported is returned by CurrentStamp.
	ErrFileStampsUnsupported = errors.UnsupportedError("stamps are not computed from file timestamps").Build()
)

// Storage flips dirty flags of one target's descriptors.
type Storage struct {
	store  *srcstore.Store
	logger *slog.Logger
}

// New creates a stamp storage over store.
func New(store *srcstore.Store) *Storage {
	return &Storage{store: store, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (s *Storage) WithLogger(logger *slog.Logger) *Storage {
	s.logger = logger
	return s
}

// MarkChanged flags source for recompilation. Unknown sources are ignored
// because removal can race with change notifications. It reports whether a
// descriptor was updated.
func (s *Storage) MarkChanged(source string) bool {
	var marked bool
	_ = s.store.WithLock(func(tx *srcstore.Tx) error {
		if known, ok := tx.Lookup(source).(srcstore.Known); ok {
			known.SetChanged(true)
			marked = true
		}
		return nil
	})
	if !marked {
		s.logger.Debug("Ignoring change of unknown source",
			logfields.Target(s.store.TargetID()),
			logfields.Source(source))
	}
	return marked
}

// MarkAsUpToDate clears the dirty flag of every source in the batch. Every
// source must be known; otherwise nothing is modified and ErrUnknownSource is
// returned.
func (s *Storage) MarkAsUpToDate(sources []string) error {
	return s.store.WithLock(func(tx *srcstore.Tx) error {
		descriptors := make([]*srcstore.Descriptor, 0, len(sources))
		for _, source := range sources {
			switch e := tx.Lookup(source).(type) {
			case srcstore.Known:
				descriptors = append(descriptors, e.Descriptor)
			case srcstore.Unknown:
				return ErrUnknownSource.
					WithContext("source", e.SourceFile).
					WithContext("target", s.store.TargetID())
			}
		}
		for _, d := range descriptors {
			d.SetChanged(false)
		}
		return nil
	})
}

// MarkAllChanged flags every known source, as a forced rebuild requires. It
// returns the number of descriptors touched.
func (s *Storage) MarkAllChanged() int {
	var n int
	_ = s.store.WithLock(func(tx *srcstore.Tx) error {
		tx.ForEach(func(d *srcstore.Descriptor) bool {
			d.SetChanged(true)
			n++
			return true
		})
		return nil
	})
	return n
}

// StampOf returns the stamp of source and whether the source is known.
func (s *Storage) StampOf(source string) (Stamp, bool) {
	snap, ok := s.store.Get(source)
	if !ok {
		return Unchanged, false
	}
	if snap.IsChanged {
		return Changed, true
	}
	return Unchanged, true
}

// IsDirty reports whether source must be recompiled and whether it is known.
func (s *Storage) IsDirty(source string) (dirty, known bool) {
	stamp, known := s.StampOf(source)
	return stamp == Changed, known
}

// DirtySources returns every source currently flagged CHANGED.
func (s *Storage) DirtySources() []string {
	var dirty []string
	s.store.ForEachValue(func(snap srcstore.Snapshot) bool {
		if snap.IsChanged {
			dirty = append(dirty, snap.SourceFile)
		}
		return true
	})
	return dirty
}

// CurrentStamp is part of the stamp storage contract but is deliberately not
// implemented: dirty state is authoritative and never read from the filesystem.
func (s *Storage) CurrentStamp(path string) (Stamp, error) {
	return Unchanged, ErrFileStampsUnsupported.WithContext("path", path)
}
