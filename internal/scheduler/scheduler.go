// Package scheduler runs periodic maintenance of target state, most notably
// checkpointing every open target to the persistence store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
)

// Checkpointer persists in-memory state. targetstate.Registry implements it.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler. Jobs do not run until Start.
func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start begins running jobs. Jobs receive a context derived from ctx that is
// canceled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop cancels running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	return s.scheduler.Shutdown()
}

// ScheduleEvery runs fn every interval and returns the job id.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func(ctx context.Context)) (string, error) {
	if interval <= 0 {
		return "", errors.ValidationError("interval must be positive").
			WithContext("job", name).
			WithContext("interval", interval.String()).
			Build()
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { fn(s.jobContext()) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create job %s: %w", name, err)
	}
	return job.ID().String(), nil
}

// ScheduleCheckpoints saves every open target each interval. Failures are
// logged; the next tick retries.
func (s *Scheduler) ScheduleCheckpoints(interval time.Duration, c Checkpointer) (string, error) {
	return s.ScheduleEvery("state-checkpoint", interval, func(ctx context.Context) {
		started := time.Now()
		if err := c.Checkpoint(ctx); err != nil {
			s.logger.Error("Scheduled checkpoint failed", logfields.Error(err))
			return
		}
		s.logger.Debug("Scheduled checkpoint complete", logfields.Duration(time.Since(started)))
	})
}

// Jobs returns the names of scheduled jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) jobContext() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
