package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/metrics"
	"git.home.luguber.info/inful/buildstate/internal/scheduler"
	"git.home.luguber.info/inful/buildstate/internal/targetstate"
	"git.home.luguber.info/inful/buildstate/internal/watch"
)

// WatchCmd implements the 'watch' command.
type WatchCmd struct {
	Target        string        `arg:"" help:"Target whose sources are watched"`
	KeepRemoved   bool          `name:"keep-removed" help:"Leave deleted sources for the next build round instead of retiring them immediately"`
	ShutdownGrace time.Duration `name:"shutdown-grace" help:"Time allowed for the final checkpoint" default:"10s"`
}

func (w *WatchCmd) Run(_ *Global, root *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, root)
	if err != nil {
		return err
	}
	st, err := s.registry.Open(ctx, w.Target)
	if err != nil {
		_ = s.close(context.Background(), false)
		return err
	}

	deleted, unsubscribe := events.Subscribe[events.FilesDeleted](s.bus, 16)
	defer unsubscribe()
	go logDeletions(s.logger, deleted)

	watcher, err := watch.New(st.Tracker, w.roots(s), w.watchOptions(ctx, s, st)...)
	if err != nil {
		_ = s.close(context.Background(), false)
		return err
	}

	sched, err := scheduler.New(s.logger)
	if err != nil {
		_ = s.close(context.Background(), false)
		return err
	}
	if _, err := sched.ScheduleCheckpoints(s.cfg.State.CheckpointInterval, s.registry); err != nil {
		_ = s.close(context.Background(), false)
		return err
	}

	if err := watcher.Start(ctx); err != nil {
		_ = sched.Stop()
		_ = s.close(context.Background(), false)
		return err
	}

	var srv *http.Server
	if s.metrics != nil {
		srv = metricsServer(s)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server failed", logfields.Error(err))
			}
		}()
	}
	sched.Start(ctx)
	s.logger.Info("Watching target", logfields.Target(w.Target))

	<-ctx.Done()
	s.logger.Info("Shutting down", logfields.Target(w.Target))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.ShutdownGrace)
	defer cancel()
	errs := []error{watcher.Stop(), sched.Stop()}
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, s.close(shutdownCtx, true))
	return stderrors.Join(errs...)
}

func (w *WatchCmd) roots(s *session) []string {
	var roots []string
	for _, r := range s.cfg.Watch.Roots {
		roots = append(roots, resolve(s.cfgDir, r))
	}
	if len(roots) == 0 {
		roots = s.roots
	}
	if len(roots) == 0 {
		roots = []string{s.baseDir}
	}
	return roots
}

func (w *WatchCmd) watchOptions(ctx context.Context, s *session, st *targetstate.State) []watch.Option {
	opts := []watch.Option{
		watch.WithDebounce(s.cfg.Watch.Debounce),
		watch.WithLogger(s.logger),
	}
	if len(s.cfg.Watch.Extensions) > 0 {
		opts = append(opts, watch.WithFilter(watch.SourceExtensions(s.cfg.Watch.Extensions...)))
	}
	if !w.KeepRemoved {
		opts = append(opts, watch.WithFlushHook(func(_, removed []string) {
			if len(removed) == 0 {
				return
			}
			if _, n, err := s.registry.Forget(ctx, st.ID, removed); err != nil {
				s.logger.Error("Failed to retire deleted sources", logfields.Target(st.ID), logfields.Error(err))
			} else {
				s.logger.Info("Retired deleted sources", logfields.Target(st.ID), logfields.Count(n))
			}
		}))
	}
	return opts
}

func metricsServer(s *session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Monitoring.Metrics.Path, metrics.HTTPHandler(s.metrics))
	s.logger.Info("Serving metrics",
		slog.String("listen", s.cfg.Monitoring.Metrics.Listen),
		logfields.Path(s.cfg.Monitoring.Metrics.Path))
	return &http.Server{
		Addr:              s.cfg.Monitoring.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func logDeletions(logger *slog.Logger, deleted <-chan events.FilesDeleted) {
	for evt := range deleted {
		logger.Info(fmt.Sprintf("Deleted %d outputs", len(evt.Outputs)),
			logfields.Target(evt.Target),
			slog.String("reason", evt.Reason),
			slog.Int("failed", len(evt.Failed)))
	}
}
