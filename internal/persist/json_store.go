package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	jsonStateVersion = 1
	jsonStateSuffix  = ".state.json"
)

// JSONStore implements Store with one JSON file per target in a directory.
type JSONStore struct {
	dataDir string
	mu      sync.RWMutex
}

type jsonState struct {
	Version int       `json:"version"`
	Target  string    `json:"target"`
	SavedAt time.Time `json:"saved_at"`
	Sources []Record  `json:"sources"`
}

// NewJSONStore creates the store, creating dataDir if needed.
func NewJSONStore(dataDir string) (*JSONStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, storeError(err, "create data directory", dataDir)
	}
	return &JSONStore{dataDir: dataDir}, nil
}

func (js *JSONStore) path(targetID string) string {
	return filepath.Join(js.dataDir, url.PathEscape(targetID)+jsonStateSuffix)
}

// Load reads the state file of targetID.
func (js *JSONStore) Load(ctx context.Context, targetID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	js.mu.RLock()
	defer js.mu.RUnlock()

	data, err := os.ReadFile(js.path(targetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageError(err, "read state file", targetID)
	}

	var state jsonState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, storageError(err, "unmarshal state", targetID)
	}
	if state.Version != jsonStateVersion {
		return nil, storageError(fmt.Errorf("unsupported state version %d", state.Version), "read state file", targetID)
	}
	if state.Sources == nil {
		state.Sources = []Record{}
	}
	return state.Sources, nil
}

// Save writes the state file of targetID through a temporary file.
func (js *JSONStore) Save(ctx context.Context, targetID string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	js.mu.Lock()
	defer js.mu.Unlock()

	state := jsonState{
		Version: jsonStateVersion,
		Target:  targetID,
		SavedAt: time.Now().UTC(),
		Sources: records,
	}
	if state.Sources == nil {
		state.Sources = []Record{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return storageError(err, "marshal state", targetID)
	}

	statePath := js.path(targetID)
	tempPath := statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return storageError(err, "write temporary state file", targetID)
	}
	if err := os.Rename(tempPath, statePath); err != nil {
		return storageError(err, "replace state file", targetID)
	}
	return nil
}

// Delete removes the state file of targetID.
func (js *JSONStore) Delete(ctx context.Context, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	js.mu.Lock()
	defer js.mu.Unlock()

	if err := os.Remove(js.path(targetID)); err != nil && !os.IsNotExist(err) {
		return storageError(err, "delete state file", targetID)
	}
	return nil
}

// Targets lists the targets with a state file.
func (js *JSONStore) Targets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	js.mu.RLock()
	defer js.mu.RUnlock()

	entries, err := os.ReadDir(js.dataDir)
	if err != nil {
		return nil, storeError(err, "read data directory", js.dataDir)
	}
	var targets []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, jsonStateSuffix) {
			continue
		}
		target, err := url.PathUnescape(strings.TrimSuffix(name, jsonStateSuffix))
		if err != nil {
			continue
		}
		targets = append(targets, target)
	}
	slices.Sort(targets)
	return targets, nil
}

// Close is a no-op; files are written synchronously.
func (js *JSONStore) Close() error { return nil }
