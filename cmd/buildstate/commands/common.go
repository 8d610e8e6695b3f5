package commands

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildstate/internal/config"
	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/metrics"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/targetstate"
)

// Global carries values shared by every command.
type Global struct {
	Out io.Writer
}

func (g *Global) out() io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"buildstate.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init       InitCmd       `cmd:"" help:"Write a starter configuration file"`
	Inspect    InspectCmd    `cmd:"" help:"List targets, or the sources, dirty flags and outputs of one target"`
	MarkDirty  MarkDirtyCmd  `cmd:"" name:"mark-dirty" help:"Flag sources of a target for recompilation"`
	Prune      PruneCmd      `cmd:"" help:"Remove sources from a target"`
	CleanStale CleanStaleCmd `cmd:"" name:"clean-stale" help:"Delete outputs and state of targets that no longer exist"`
	Watch      WatchCmd      `cmd:"" help:"Watch source roots and keep dirty flags current"`
}

// AfterApply installs a default logger until a command loads the configuration.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// session is the wiring shared by commands that work on target state.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	cfgDir   string
	baseDir  string
	roots    []string
	paths    *relativize.PathTypeAware
	store    persist.Store
	registry *targetstate.Registry
	bus      *events.Bus
	nats     *events.NATSPublisher
	metrics  *prometheus.Registry
}

func openSession(ctx context.Context, root *CLI) (*session, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}
	logging := cfg.Monitoring.Logging
	if root.Verbose {
		logging.Level = config.LogLevelDebug
	}
	logger := logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	dir := filepath.Dir(root.Config)
	s := &session{cfg: cfg, logger: logger, cfgDir: dir, baseDir: resolve(dir, cfg.Project.BaseDir)}
	for _, r := range cfg.Project.Roots {
		s.roots = append(s.roots, resolve(dir, r))
	}

	s.paths, err = relativize.New(s.baseDir, resolve(dir, cfg.Project.OutputRoot))
	if err != nil {
		return nil, err
	}

	backend := cfg.StateBackend()
	s.store, err = persist.Open(backend, resolve(dir, cfg.State.Path))
	if err != nil {
		return nil, err
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Monitoring.Metrics.Enabled {
		s.metrics = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(s.metrics)
	}

	s.bus = events.NewBus()
	publishers := events.Fanout{s.bus}
	if cfg.Events.NATSURL != "" {
		s.nats, err = events.NewNATSPublisher(ctx, events.NATSConfig{
			URL:     cfg.Events.NATSURL,
			Subject: cfg.Events.Subject,
			Stream:  cfg.Events.Stream,
			Timeout: cfg.Events.Timeout,
			Retry:   cfg.Events.Retry.Policy(),
		})
		if err != nil {
			_ = s.store.Close()
			return nil, err
		}
		publishers = append(publishers, s.nats)
	}

	s.registry = targetstate.New(s.store, s.paths,
		targetstate.WithLogger(logger),
		targetstate.WithRecorder(recorder),
		targetstate.WithPublisher(publishers),
		targetstate.WithSignificance(outputs.ExcludeSuffixes(cfg.Invalidation.InsignificantOutputSuffixes...)),
		targetstate.WithRoots(s.roots...),
		targetstate.WithBackendName(string(backend)),
	)
	return s, nil
}

// close releases the session; save checkpoints every open target first.
func (s *session) close(ctx context.Context, save bool) error {
	var errs []error
	if save {
		errs = append(errs, s.registry.Close(ctx))
	}
	s.bus.Close()
	if s.nats != nil {
		errs = append(errs, s.nats.Close())
	}
	errs = append(errs, s.store.Close())
	return stderrors.Join(errs...)
}

// sourcePath turns a command line path into an absolute source path.
func (s *session) sourcePath(p string) string {
	if filepath.IsAbs(p) {
		return relativize.Canonical(p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return relativize.Canonical(filepath.Join(s.baseDir, p))
	}
	return relativize.Canonical(abs)
}

// displayPath shows a source relative to the project base directory when possible.
func (s *session) displayPath(source string) string {
	if rel, err := s.paths.Source.ToRelative(source); err == nil {
		return rel
	}
	return source
}

func resolve(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(filepath.Join(dir, p))
	if err != nil {
		return filepath.Join(dir, p)
	}
	return abs
}
