// Package cron runs the retention policies on a cron schedule. Locks are
// deliberately not swept here: expired leases are evicted lazily on the lock
// paths, and a background sweep would race those evictions for no benefit.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/swarmd/internal/broker"
	"github.com/basket/swarmd/internal/checkpoint"
	"github.com/basket/swarmd/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Checkpoints *checkpoint.Manager
	Broker      *broker.Broker
	Retention   config.RetentionConfig
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires checkpoint and message retention whenever the configured
// cron schedule comes due.
type Scheduler struct {
	checkpoints *checkpoint.Manager
	broker      *broker.Broker
	logger      *slog.Logger
	interval    time.Duration

	mu        sync.Mutex
	retention config.RetentionConfig
	nextRun   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The retention schedule must be a valid
// 5-field cron expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	next, err := NextRunTime(cfg.Retention.CleanupSchedule, time.Now())
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		checkpoints: cfg.Checkpoints,
		broker:      cfg.Broker,
		logger:      logger,
		interval:    interval,
		retention:   cfg.Retention,
		nextRun:     next,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.retention.CleanupSchedule, "next_run", s.nextRun)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// UpdateRetention swaps in new retention tunables, typically after a config
// reload. An invalid schedule keeps the previous one.
func (s *Scheduler) UpdateRetention(r config.RetentionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CleanupSchedule != s.retention.CleanupSchedule {
		next, err := NextRunTime(r.CleanupSchedule, time.Now())
		if err != nil {
			s.logger.Error("invalid cleanup schedule, keeping previous", "schedule", r.CleanupSchedule, "error", err)
			r.CleanupSchedule = s.retention.CleanupSchedule
		} else {
			s.nextRun = next
		}
	}
	s.retention = r
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	retention := s.retention
	s.mu.Unlock()
	if !due {
		return
	}

	s.RunOnce(ctx, retention)

	next, err := NextRunTime(retention.CleanupSchedule, now)
	if err != nil {
		// Validated at construction and on update; parse failure here means
		// the expression itself changed underneath us.
		s.logger.Error("compute next retention run", "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

// RunOnce applies checkpoint and message retention immediately. Also used
// directly by the cleanup command.
func (s *Scheduler) RunOnce(ctx context.Context, r config.RetentionConfig) {
	if deleted, err := s.checkpoints.Cleanup(ctx, r.CheckpointMaxAgeDays, r.CheckpointMaxCount); err != nil {
		s.logger.Error("checkpoint retention failed", "error", err)
	} else {
		s.logger.Debug("checkpoint retention ran", "deleted", deleted)
	}

	if deleted, err := s.broker.Cleanup(ctx, r.MessageRetentionHours); err != nil {
		s.logger.Error("message retention failed", "error", err)
	} else {
		s.logger.Debug("message retention ran", "deleted", deleted)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
