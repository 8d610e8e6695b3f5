package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens the database at dbPath.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, storeError(err, "create database directory", dbPath)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeError(err, "open sqlite database", dbPath)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, storeError(err, "initialize schema", dbPath)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		target TEXT PRIMARY KEY,
		saved_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sources (
		target TEXT NOT NULL,
		source TEXT NOT NULL,
		changed INTEGER NOT NULL,
		outputs TEXT NOT NULL,
		PRIMARY KEY (target, source)
	);
	CREATE TABLE IF NOT EXISTS removed_sources (
		target TEXT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (target, source)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the records of targetID ordered by source.
func (s *SQLiteStore) Load(ctx context.Context, targetID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var savedAt int64
	err := s.db.QueryRowContext(ctx, "SELECT saved_at FROM targets WHERE target = ?", targetID).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "query target", targetID)
	}

	removed, err := s.removedSources(ctx, targetID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT source, changed, outputs FROM sources WHERE target = ? ORDER BY source",
		targetID,
	)
	if err != nil {
		return nil, storageError(err, "query sources", targetID)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r           Record
			changed     int
			outputsJSON string
		)
		if err := rows.Scan(&r.Source, &changed, &outputsJSON); err != nil {
			return nil, storageError(err, "scan source", targetID)
		}
		r.IsChanged = changed != 0
		r.Removed = removed[r.Source]
		if err := json.Unmarshal([]byte(outputsJSON), &r.Outputs); err != nil {
			return nil, storageError(err, "unmarshal outputs", targetID)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "iterate rows", targetID)
	}
	return records, nil
}

// Save replaces the records of targetID in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, targetID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "begin transaction", targetID)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE target = ?", targetID); err != nil {
		return storageError(err, "clear sources", targetID)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM removed_sources WHERE target = ?", targetID); err != nil {
		return storageError(err, "clear removed sources", targetID)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO sources (target, source, changed, outputs) VALUES (?, ?, ?, ?)")
	if err != nil {
		return storageError(err, "prepare insert", targetID)
	}
	defer stmt.Close()

	for _, r := range records {
		outputs := r.Outputs
		if outputs == nil {
			outputs = []string{}
		}
		outputsJSON, err := json.Marshal(outputs)
		if err != nil {
			return storageError(err, "marshal outputs", targetID)
		}
		changed := 0
		if r.IsChanged {
			changed = 1
		}
		if _, err := stmt.ExecContext(ctx, targetID, r.Source, changed, string(outputsJSON)); err != nil {
			return storageError(err, "insert source", targetID)
		}
		if r.Removed {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO removed_sources (target, source) VALUES (?, ?)",
				targetID, r.Source,
			); err != nil {
				return storageError(err, "insert removed source", targetID)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO targets (target, saved_at) VALUES (?, ?) ON CONFLICT(target) DO UPDATE SET saved_at = excluded.saved_at",
		targetID, time.Now().Unix(),
	); err != nil {
		return storageError(err, "upsert target", targetID)
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "commit", targetID)
	}
	return nil
}

// Delete drops the state of targetID.
func (s *SQLiteStore) Delete(ctx context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "begin transaction", targetID)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE target = ?", targetID); err != nil {
		return storageError(err, "delete sources", targetID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM removed_sources WHERE target = ?", targetID); err != nil {
		return storageError(err, "delete removed sources", targetID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM targets WHERE target = ?", targetID); err != nil {
		return storageError(err, "delete target", targetID)
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "commit", targetID)
	}
	return nil
}

// Targets lists the targets with saved state.
func (s *SQLiteStore) Targets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT target FROM targets ORDER BY target")
	if err != nil {
		return nil, storageError(err, "query targets", "")
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, storageError(err, "scan target", "")
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "iterate targets", "")
	}
	return targets, nil
}

func (s *SQLiteStore) removedSources(ctx context.Context, targetID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source FROM removed_sources WHERE target = ?", targetID)
	if err != nil {
		return nil, storageError(err, "query removed sources", targetID)
	}
	defer rows.Close()

	removed := make(map[string]bool)
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, storageError(err, "scan removed source", targetID)
		}
		removed[source] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "iterate removed sources", targetID)
	}
	return removed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
