package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTickInterval      = 5 * time.Second
	DefaultTickBatchSize     = 100
	DefaultResumeConcurrency = 8
)

// Resumer continues a waiting run.
type Resumer interface {
	Resume(ctx context.Context, runID string) (*models.Run, error)
}

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Clock       clockwork.Clock
}

// Scheduler periodically resumes waiting runs whose delay has elapsed. It
// holds no timers per run; the store is the only record of a pending wake-up.
type Scheduler struct {
	logger  *slog.Logger
	runs    persistence.RunRepository
	resumer Resumer
	config  SchedulerConfig
}

func NewScheduler(logger *slog.Logger, runs persistence.RunRepository, resumer Resumer, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultTickInterval
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultTickBatchSize
	}

	if config.Concurrency <= 0 {
		config.Concurrency = DefaultResumeConcurrency
	}

	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		logger:  logger.With("module", "workflow_scheduler"),
		runs:    runs,
		resumer: resumer,
		config:  config,
	}
}

// Tick resumes every run that is due now. A failure to resume one run does
// not stop the others; all failures are returned as one SchedulerError.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.config.Clock.Now().UTC()

	due, err := s.runs.DueRuns(ctx, now, s.config.BatchSize)
	if err != nil {
		return &SchedulerError{Op: "list_due_runs", Err: err}
	}

	if len(due) == 0 {
		return nil
	}

	s.logger.DebugContext(ctx, "Resuming due runs", "count", len(due))

	var (
		group errgroup.Group
		mu    sync.Mutex
		errs  []error
	)

	group.SetLimit(s.config.Concurrency)

	for _, run := range due {
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			_, err := s.resumer.Resume(ctx, run.ID)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to resume run", "run_id", run.ID, "workflow_id", run.WorkflowID, "error", err)

				mu.Lock()
				errs = append(errs, &SchedulerError{Op: "resume", RunID: run.ID, Err: err})
				mu.Unlock()
			}

			return nil
		})
	}

	_ = group.Wait()

	return errors.Join(errs...)
}

// Run ticks until ctx is cancelled. Tick errors are logged; the affected runs
// are retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.config.Clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "Scheduler started", "interval", s.config.Interval)

	for {
		err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			return nil
		case <-ticker.Chan():
		}
	}
}
