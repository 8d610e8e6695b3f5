package commands

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/gitscan"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/watch"
)

// MarkDirtyCmd implements the 'mark-dirty' command.
type MarkDirtyCmd struct {
	Target string   `arg:"" help:"Target whose sources are flagged"`
	Paths  []string `arg:"" optional:"" help:"Source files to flag"`
	All    bool     `help:"Flag every known source, as for a forced rebuild"`
	Git    bool     `help:"Flag sources changed in the git working tree; deleted sources are retired"`
	Since  string   `help:"With --git, compare HEAD against this revision instead of the working tree"`
}

func (m *MarkDirtyCmd) Run(g *Global, root *CLI) error {
	if !m.All && !m.Git && len(m.Paths) == 0 {
		return errors.ValidationError("nothing to mark: pass paths, --all or --git").Build()
	}
	if m.Since != "" && !m.Git {
		return errors.ValidationError("--since requires --git").Build()
	}

	ctx := context.Background()
	s, err := openSession(ctx, root)
	if err != nil {
		return err
	}
	st, err := s.registry.Open(ctx, m.Target)
	if err != nil {
		_ = s.close(ctx, false)
		return err
	}

	marked, ignored, retired := 0, 0, 0
	mark := func(source string) {
		if st.Stamps.MarkChanged(source) {
			marked++
		} else {
			ignored++
		}
	}

	if m.All {
		marked += st.Stamps.MarkAllChanged()
	}
	for _, p := range m.Paths {
		mark(s.sourcePath(p))
	}
	if m.Git {
		res, err := m.scan(ctx, s)
		if err != nil {
			_ = s.close(ctx, false)
			return err
		}
		for _, source := range res.Changed {
			mark(source)
		}
		if len(res.Removed) > 0 {
			report, n, err := s.registry.Forget(ctx, m.Target, res.Removed)
			if err != nil {
				_ = s.close(ctx, false)
				return err
			}
			retired = n
			if len(report.Failed) > 0 {
				s.logger.Warn("Some outputs of deleted sources could not be removed",
					logfields.Target(m.Target), logfields.Count(len(report.Failed)))
			}
		}
	}

	if err := s.close(ctx, true); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "%s: %d marked dirty, %d unknown ignored, %d deleted sources retired\n",
		m.Target, marked, ignored, retired)
	return nil
}

func (m *MarkDirtyCmd) scan(ctx context.Context, s *session) (gitscan.Result, error) {
	opts := []gitscan.Option{gitscan.WithLogger(s.logger), gitscan.WithRoots(s.roots...)}
	if len(s.cfg.Watch.Extensions) > 0 {
		opts = append(opts, gitscan.WithFilter(watch.SourceExtensions(s.cfg.Watch.Extensions...)))
	}
	scanner, err := gitscan.Open(s.baseDir, opts...)
	if err != nil {
		return gitscan.Result{}, err
	}
	if m.Since != "" {
		return scanner.Since(ctx, m.Since)
	}
	return scanner.Worktree(ctx)
}
