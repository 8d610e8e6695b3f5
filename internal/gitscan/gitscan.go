// Package gitscan derives dirty and removed sources from a git working tree.
//
// It is the offline counterpart of the watch package: when no watcher was
// running between two builds, the worktree status (or the diff between two
// commits) tells which sources have to be recompiled and which were deleted.
package gitscan

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
	"git.home.luguber.info/inful/buildstate/internal/watch"
)

// Result lists absolute canonical source paths, sorted.
type Result struct {
	Changed []string
	Removed []string
}

// IsEmpty reports whether the scan found nothing.
func (r Result) IsEmpty() bool { return len(r.Changed) == 0 && len(r.Removed) == 0 }

// Apply forwards the result to a sink, changes first.
func (r Result) Apply(sink watch.Sink) {
	for _, p := range r.Changed {
		sink.NotifyChanged(p)
	}
	for _, p := range r.Removed {
		sink.NotifyRemoved(p)
	}
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithFilter restricts results to paths for which keep returns true.
func WithFilter(keep func(path string) bool) Option {
	return func(s *Scanner) {
		if keep != nil {
			s.keep = keep
		}
	}
}

// WithRoots restricts results to sources below one of the given directories.
func WithRoots(roots ...string) Option {
	return func(s *Scanner) {
		for _, r := range roots {
			s.roots = append(s.roots, relativize.Canonical(r))
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// Scanner reads change information from one repository.
type Scanner struct {
	repo   *git.Repository
	dir    string
	roots  []string
	keep   func(string) bool
	logger *slog.Logger
}

// Open opens the repository whose working tree is dir.
func Open(dir string, opts ...Option) (*Scanner, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "failed to resolve repository path").
			WithContext("path", dir).Build()
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "failed to open repository").
			WithContext("path", abs).Build()
	}
	s := &Scanner{
		repo:   repo,
		dir:    relativize.Canonical(abs),
		keep:   func(string) bool { return true },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Head returns the hash of the commit HEAD points to.
func (s *Scanner) Head() (string, error) {
	ref, err := s.repo.Head()
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryGit, "failed to resolve HEAD").Build()
	}
	return ref.Hash().String(), nil
}

// Worktree reports uncommitted changes: modified, added and untracked files
// are changed, files missing from the working tree are removed.
func (s *Scanner) Worktree(ctx context.Context) (Result, error) {
	w, err := s.repo.Worktree()
	if err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryGit, "failed to get git worktree").Build()
	}
	status, err := w.Status()
	if err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryGit, "failed to get git status").Build()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	changed, removed := sets.New[string](), sets.New[string]()
	for name, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		switch {
		case fs.Worktree == git.Deleted,
			fs.Staging == git.Deleted && fs.Worktree != git.Untracked:
			s.add(removed, name)
		default:
			s.add(changed, name)
		}
		if fs.Staging == git.Renamed && fs.Extra != "" {
			s.add(removed, fs.Extra)
		}
	}
	return s.result(changed, removed), nil
}

// Since reports what changed between rev and HEAD. Inserted and modified
// files are changed, deleted files are removed; a rename is both.
func (s *Scanner) Since(ctx context.Context, rev string) (Result, error) {
	from, err := s.tree(rev)
	if err != nil {
		return Result{}, err
	}
	to, err := s.tree("HEAD")
	if err != nil {
		return Result{}, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryGit, "failed to diff trees").
			WithContext("from", rev).Build()
	}

	changed, removed := sets.New[string](), sets.New[string]()
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return Result{}, errors.WrapError(err, errors.CategoryGit, "failed to classify change").Build()
		}
		switch action {
		case merkletrie.Insert:
			s.add(changed, c.To.Name)
		case merkletrie.Delete:
			s.add(removed, c.From.Name)
		case merkletrie.Modify:
			if c.From.Name != c.To.Name {
				s.add(removed, c.From.Name)
			}
			s.add(changed, c.To.Name)
		}
	}
	return s.result(changed, removed), nil
}

func (s *Scanner) tree(rev string) (*object.Tree, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "failed to resolve revision").
			WithContext("revision", rev).Build()
	}
	commit, err := s.repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "failed to load commit").
			WithContext("revision", rev).Build()
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "failed to load tree").
			WithContext("revision", rev).Build()
	}
	return tree, nil
}

// add records a repository-relative path as an absolute source.
func (s *Scanner) add(set sets.Set[string], name string) {
	abs := relativize.Canonical(filepath.Join(s.dir, filepath.FromSlash(name)))
	if !s.inRoots(abs) || !s.keep(abs) {
		return
	}
	set.Add(abs)
}

func (s *Scanner) inRoots(abs string) bool {
	if len(s.roots) == 0 {
		return true
	}
	for _, r := range s.roots {
		if abs == r || strings.HasPrefix(abs, strings.TrimSuffix(r, "/")+"/") {
			return true
		}
	}
	return false
}

func (s *Scanner) result(changed, removed sets.Set[string]) Result {
	// A path removed and re-added in the same window is a change.
	for p := range changed {
		if removed.Has(p) && exists(p) {
			removed.Delete(p)
		}
	}
	for p := range removed {
		changed.Delete(p)
	}
	res := Result{Changed: sets.Sorted(changed), Removed: sets.Sorted(removed)}
	s.logger.Debug("Git scan complete",
		logfields.Path(s.dir),
		slog.Int("changed", len(res.Changed)),
		slog.Int("removed", len(res.Removed)))
	return res
}

func exists(p string) bool {
	_, err := os.Lstat(filepath.FromSlash(p))
	return err == nil
}
