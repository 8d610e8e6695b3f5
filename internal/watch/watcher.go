// Package watch turns filesystem notifications under source roots into dirty
// and removed notifications for a target.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
)

// DefaultDebounce is the quiet period before a batch of changes is delivered.
const DefaultDebounce = 200 * time.Millisecond

// Sink receives debounced notifications. round.Tracker implements it.
type Sink interface {
	NotifyChanged(source string)
	NotifyRemoved(source string)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter restricts notifications to paths for which keep returns true.
func WithFilter(keep func(path string) bool) Option {
	return func(w *Watcher) {
		if keep != nil {
			w.keep = keep
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithFlushHook is called after every delivered batch.
func WithFlushHook(fn func(changed, removed []string)) Option {
	return func(w *Watcher) { w.onFlush = fn }
}

// SourceExtensions keeps only files with one of exts.
func SourceExtensions(exts ...string) func(string) bool {
	return func(path string) bool {
		ext := filepath.Ext(path)
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}
}

type change int

const (
	changed change = iota + 1
	removed
)

// Watcher watches source roots recursively.
type Watcher struct {
	roots    []string
	sink     Sink
	keep     func(path string) bool
	debounce time.Duration
	logger   *slog.Logger
	onFlush  func(changed, removed []string)
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]change
	timer    *time.Timer
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher delivering to sink.
func New(sink Sink, roots []string, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		sink:     sink,
		keep:     func(string) bool { return true },
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		watcher:  fw,
		pending:  make(map[string]change),
		stopChan: make(chan struct{}),
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to resolve watch root %s: %w", root, err)
		}
		w.roots = append(w.roots, abs)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start registers every directory under the roots and begins delivering.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if err := w.addTree(root, false); err != nil {
			return err
		}
	}
	w.logger.Info("Watching source roots", slog.Any("roots", w.roots))

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching and delivers pending notifications.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
		w.wg.Wait()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.flush()
	})
	return err
}

// addTree watches dir and its subdirectories. With notify set, files found
// are reported as changed; they appeared together with a new directory.
func (w *Watcher) addTree(dir string, notify bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if notify {
			w.record(path, changed)
		}
		return nil
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Source watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if isDir(event.Name) {
			if err := w.addTree(event.Name, true); err != nil {
				w.logger.Warn("Failed to watch new directory", logfields.Path(event.Name), logfields.Error(err))
			}
			return
		}
		w.record(event.Name, changed)
	case event.Has(fsnotify.Write):
		w.record(event.Name, changed)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.record(event.Name, removed)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (w *Watcher) record(path string, c change) {
	if !w.keep(path) {
		return
	}
	source := relativize.Canonical(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[source] = c
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush delivers the pending batch outside the lock.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]change)
	w.timer = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	changedSet, removedSet := sets.New[string](), sets.New[string]()
	for source, c := range pending {
		if c == removed {
			removedSet.Add(source)
		} else {
			changedSet.Add(source)
		}
	}
	changedList, removedList := sets.Sorted(changedSet), sets.Sorted(removedSet)
	for _, source := range removedList {
		w.sink.NotifyRemoved(source)
	}
	for _, source := range changedList {
		w.sink.NotifyChanged(source)
	}
	w.logger.Debug("Delivered source changes",
		slog.Int("changed", len(changedList)),
		slog.Int("removed", len(removedList)))
	if w.onFlush != nil {
		w.onFlush(changedList, removedList)
	}
}
