package commands

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
)

// CleanStaleCmd implements the 'clean-stale' command.
type CleanStaleCmd struct {
	Target string   `help:"Clean exactly this target"`
	Keep   []string `help:"Targets that still exist; every other target with saved state is cleaned"`
	All    bool     `help:"Clean every target with saved state"`
}

func (c *CleanStaleCmd) Run(g *Global, root *CLI) error {
	if c.Target == "" && len(c.Keep) == 0 && !c.All {
		return errors.ValidationError("pass --target, --keep or --all").Build()
	}

	ctx := context.Background()
	s, err := openSession(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = s.close(ctx, false) }()

	if c.Target != "" {
		report, err := s.registry.CleanStaleTarget(ctx, c.Target)
		_, _ = fmt.Fprintf(g.out(), "%s: %d outputs deleted, %d failed\n", c.Target, len(report.Deleted), len(report.Failed))
		return err
	}

	cleaned, err := s.registry.CleanStaleTargets(ctx, c.Keep)
	for _, t := range cleaned {
		_, _ = fmt.Fprintf(g.out(), "cleaned %s\n", t)
	}
	return err
}
