package commands

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
)

// PruneCmd implements the 'prune' command.
type PruneCmd struct {
	Target        string   `arg:"" help:"Target to prune"`
	Sources       []string `arg:"" help:"Sources that left the target"`
	DeleteOutputs bool     `name:"delete-outputs" help:"Delete the recorded outputs first; sources with undeleted outputs are kept"`
}

func (p *PruneCmd) Run(g *Global, root *CLI) error {
	ctx := context.Background()
	s, err := openSession(ctx, root)
	if err != nil {
		return err
	}

	sources := make([]string, 0, len(p.Sources))
	for _, src := range p.Sources {
		sources = append(sources, s.sourcePath(src))
	}

	var (
		n      int
		failed int
	)
	if p.DeleteOutputs {
		report, pruned, ferr := s.registry.Forget(ctx, p.Target, sources)
		n, failed, err = pruned, len(report.Failed), ferr
	} else {
		n, err = s.registry.Prune(ctx, p.Target, sources)
	}
	if err != nil {
		_ = s.close(ctx, false)
		return err
	}
	if err := s.close(ctx, true); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "%s: %d sources pruned\n", p.Target, n)
	if failed > 0 {
		return errors.FileSystemError("some outputs could not be deleted").
			WithContext("target", p.Target).
			WithContext("count", failed).
			Build()
	}
	return nil
}
