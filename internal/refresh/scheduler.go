package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/STRATINT/aggregator/internal/models"
)

// JobName identifies the periodic refresh job.
const JobName = "auto_refresh"

// Scheduler triggers refreshes on a fixed interval. A tick that fires while
// any refresh is still running is skipped.
type Scheduler struct {
	mu         sync.Mutex
	cron       gocron.Scheduler
	job        gocron.Job
	service    *Service
	interval   time.Duration
	runOnStart bool
	running    bool
	logger     *slog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(service *Service, interval time.Duration, runOnStart bool, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		service:    service,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger,
	}, nil
}

// Start registers the refresh job and begins ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	opts := []gocron.JobOption{
		gocron.WithName(JobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if s.runOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	job, err := cron.NewJob(gocron.DurationJob(s.interval), gocron.NewTask(s.tick), opts...)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("create scheduled job %s: %w", JobName, err)
	}

	cron.Start()
	s.cron = cron
	s.job = job
	s.running = true
	s.logger.Info("scheduler started", "job", JobName, "interval", s.interval.String(), "run_on_start", s.runOnStart)
	return nil
}

func (s *Scheduler) tick() {
	summary, ran, err := s.service.RefreshIfIdle(context.Background(), models.TriggerScheduler)
	if !ran {
		s.logger.Info("scheduled refresh skipped, previous refresh still running")
		return
	}
	if err != nil {
		s.logger.Error("scheduled refresh failed", "run_id", summary.RunID, "error", err)
		return
	}
	s.logger.Info("scheduled refresh done",
		"run_id", summary.RunID,
		"sources_refreshed", summary.SourcesRefreshed,
		"changed", summary.RecordsChanged,
		"errors", len(summary.Errors),
	)
}

// Stop shuts the scheduler down and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	err := s.cron.Shutdown()
	s.logger.Info("scheduler stopped")
	return err
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the refresh job fires next.
func (s *Scheduler) NextRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}, fmt.Errorf("scheduler not running")
	}
	return s.job.NextRun()
}
