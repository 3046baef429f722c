// Package scheduler runs the pipeline on a cron schedule with bounded retries.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"airquality-platform/internal/services"
	"airquality-platform/pkg/logging"
)

// Scheduling modes
const (
	ModeStaged = "staged"
	ModeDirect = "direct"
)

// Job is one scheduled unit of work
type Job func(ctx context.Context) error

// Config controls when and how persistently the job runs
type Config struct {
	Name       string
	Cron       string
	Retries    int
	RetryDelay time.Duration
}

// Scheduler invokes a Job on a cron expression. Runs never overlap.
type Scheduler struct {
	cron   *gocron.Scheduler
	job    Job
	cfg    Config
	logger *logging.StructuredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler in UTC
func New(cfg Config, job Job, logger *logging.StructuredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Name == "" {
		cfg.Name = "pipeline"
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		job:    job,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// PipelineJob adapts the pipeline service to a Job for the given mode
func PipelineJob(svc *services.PipelineService, mode string) (Job, error) {
	switch mode {
	case ModeDirect:
		return func(ctx context.Context) error {
			_, err := svc.RunDirect(ctx)
			return err
		}, nil
	case ModeStaged:
		return func(ctx context.Context) error {
			_, err := svc.RunStaged(ctx)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", mode)
	}
}

// Start registers the job and starts the scheduler in the background
func (s *Scheduler) Start() error {
	s.cron.SingletonModeAll()

	job, err := s.cron.Cron(s.cfg.Cron).Tag(s.cfg.Name).Do(func() {
		if err := s.Run(s.ctx); err != nil {
			s.logger.Error(s.ctx, "[SCHEDULER_JOB_FAILED] Job failed after retries", logging.Fields{
				"job": s.cfg.Name,
			}, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s with %q: %w", s.cfg.Name, s.cfg.Cron, err)
	}

	s.cron.StartAsync()
	s.logger.Info(s.ctx, "[SCHEDULER_START] Scheduler started", logging.Fields{
		"job":      s.cfg.Name,
		"cron":     s.cfg.Cron,
		"next_run": job.NextRun().Format(time.RFC3339),
	})
	return nil
}

// Run executes the job once, retrying up to cfg.Retries times with cfg.RetryDelay in between
func (s *Scheduler) Run(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn(ctx, "[SCHEDULER_RETRY] Retrying job", logging.Fields{
				"job":     s.cfg.Name,
				"attempt": attempt,
				"delay":   s.cfg.RetryDelay.String(),
			})
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s canceled while waiting to retry: %w", s.cfg.Name, ctx.Err())
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		start := time.Now()
		if err = s.job(ctx); err == nil {
			s.logger.Info(ctx, "[SCHEDULER_JOB_DONE] Job finished", logging.Fields{
				"job":         s.cfg.Name,
				"attempt":     attempt,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			return nil
		}

		s.logger.Error(ctx, "[SCHEDULER_JOB_ERROR] Job attempt failed", logging.Fields{
			"job":     s.cfg.Name,
			"attempt": attempt,
		}, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", s.cfg.Name, s.cfg.Retries+1, err)
}

// Stop cancels pending retries and stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
}
