// Package persist stores the descriptor tables of targets between worker runs.
//
// A target's state is a list of records (relative source path, dirty flag,
// relative output identifiers, pending removal). Source paths are stored in
// the SOURCE domain so state written in one sandbox can be loaded in another.
package persist

import (
	"context"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
)

// Backend names a persistence implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendJSON   Backend = "json"
)

// Record is the persisted form of one source descriptor.
type Record struct {
	Source    string   `json:"source"`
	IsChanged bool     `json:"changed"`
	Outputs   []string `json:"outputs"`
	// Removed marks a source deleted from the target whose removal no
	// committed round has processed yet.
	Removed bool `json:"removed,omitempty"`
}

// Store loads and saves the records of targets.
type Store interface {
	// Load returns the records of targetID, or nil if nothing was saved.
	Load(ctx context.Context, targetID string) ([]Record, error)
	// Save replaces the records of targetID.
	Save(ctx context.Context, targetID string, records []Record) error
	// Delete drops the state of targetID. Deleting unknown targets is not an error.
	Delete(ctx context.Context, targetID string) error
	// Targets lists the targets with saved state, sorted.
	Targets(ctx context.Context) ([]string, error)
	Close() error
}

// ErrUnknownBackend is returned by Open for unsupported backends.
var ErrUnknownBackend = errors.ConfigError("unknown state backend").Build()

// Open creates the store for backend at path. path is a database file for
// sqlite (":memory:" allowed) and a directory for json.
func Open(backend Backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendJSON:
		return NewJSONStore(path)
	default:
		return nil, ErrUnknownBackend.WithContext("backend", string(backend))
	}
}

// Encode converts snapshots, typically from srcstore.Store.GetFinalList, into
// records with relative source paths.
func Encode(snaps []srcstore.Snapshot, rel relativize.SourceRelativizer) ([]Record, error) {
	records := make([]Record, 0, len(snaps))
	for _, snap := range snaps {
		source, err := rel.ToRelative(snap.SourceFile)
		if err != nil {
			return nil, err
		}
		outputs := snap.Outputs
		if outputs == nil {
			outputs = []string{}
		}
		records = append(records, Record{Source: source, IsChanged: snap.IsChanged, Outputs: outputs})
	}
	return records, nil
}

// Decode converts records back into snapshots with absolute source paths.
// Output identifiers are validated in the OUTPUT domain.
func Decode(records []Record, src relativize.SourceRelativizer, out relativize.OutputRelativizer) ([]srcstore.Snapshot, error) {
	snaps := make([]srcstore.Snapshot, 0, len(records))
	for _, r := range records {
		source, err := src.ToAbsolute(r.Source)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryStorage, "corrupt persisted source path").
				WithContext("source", r.Source).
				Build()
		}
		outputs := make([]string, 0, len(r.Outputs))
		for _, o := range r.Outputs {
			rel, err := out.Raw(o)
			if err != nil {
				return nil, errors.WrapError(err, errors.CategoryStorage, "corrupt persisted output").
					WithContext("source", r.Source).
					WithContext("output", o).
					Build()
			}
			outputs = append(outputs, rel)
		}
		snaps = append(snaps, srcstore.Snapshot{SourceFile: source, IsChanged: r.IsChanged, Outputs: outputs})
	}
	return snaps, nil
}

func storageError(err error, message, targetID string) error {
	return errors.WrapError(err, errors.CategoryStorage, message).
		WithContext("target", targetID).
		Build()
}

func storeError(err error, message, path string) error {
	return errors.WrapError(err, errors.CategoryStorage, message).
		WithContext("path", path).
		Build()
}
