package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// InspectCmd implements the 'inspect' command.
type InspectCmd struct {
	Target    string `arg:"" optional:"" help:"Target to show; omit to list targets with saved state"`
	DirtyOnly bool   `name:"dirty" help:"Only show sources flagged for recompilation"`
	JSON      bool   `name:"json" help:"Print JSON instead of a table"`
}

type inspectedSource struct {
	Source  string   `json:"source"`
	Dirty   bool     `json:"dirty"`
	Outputs []string `json:"outputs"`
}

func (i *InspectCmd) Run(g *Global, root *CLI) error {
	ctx := context.Background()
	s, err := openSession(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = s.close(ctx, false) }()

	if i.Target == "" {
		targets, err := s.registry.PersistedTargets(ctx)
		if err != nil {
			return err
		}
		if i.JSON {
			return writeJSON(g, targets)
		}
		for _, t := range targets {
			_, _ = fmt.Fprintln(g.out(), t)
		}
		return nil
	}

	st, err := s.registry.Open(ctx, i.Target)
	if err != nil {
		return err
	}
	var rows []inspectedSource
	for _, snap := range st.Store.GetFinalList() {
		if i.DirtyOnly && !snap.IsChanged {
			continue
		}
		outs := snap.Outputs
		if outs == nil {
			outs = []string{}
		}
		rows = append(rows, inspectedSource{Source: s.displayPath(snap.SourceFile), Dirty: snap.IsChanged, Outputs: outs})
	}
	if i.JSON {
		if rows == nil {
			rows = []inspectedSource{}
		}
		return writeJSON(g, rows)
	}

	w := tabwriter.NewWriter(g.out(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tDIRTY\tOUTPUTS")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\n", r.Source, r.Dirty, strings.Join(r.Outputs, ","))
	}
	return w.Flush()
}

func writeJSON(g *Global, v any) error {
	enc := json.NewEncoder(g.out())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
