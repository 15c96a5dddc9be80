package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SchedulerConfig holds the dependencies for the parse scheduler.
type SchedulerConfig struct {
	Runner *Runner
	Locker RunLocker
	Logger *slog.Logger
	// Schedule is a 5-field cron expression.
	Schedule string
	// RunOnStart fires a tick immediately instead of waiting for the first
	// scheduled time.
	RunOnStart bool
	// SyncOnStart reconciles the stored branch set against the roster before
	// the first tick. Review rows reference branch rows, so on a fresh
	// database a tick must not run ahead of the sync.
	SyncOnStart bool
}

// Scheduler fires parse runs at the configured cron times. Overlapping
// ticks are forbidden through the run-lock.
type Scheduler struct {
	runner     *Runner
	locker     RunLocker
	logger     *slog.Logger
	schedule    cronlib.Schedule
	expr        string
	runOnStart  bool
	syncOnStart bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{
		runner:      cfg.Runner,
		locker:      cfg.Locker,
		logger:      cfg.Logger,
		schedule:    sched,
		expr:        cfg.Schedule,
		runOnStart:  cfg.RunOnStart,
		syncOnStart: cfg.SyncOnStart,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("parse scheduler started", "schedule", s.expr, "next_run", s.schedule.Next(time.Now()).Format(time.RFC3339))
}

// Stop cancels the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("parse scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.syncOnStart {
		if _, err := s.runner.SyncBranches(ctx); err != nil {
			s.logger.Error("startup branch sync failed", "error", err)
		}
	}
	if s.runOnStart {
		s.tick(ctx)
	}
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick runs one parse under the run-lock. A held lock means another process
// is mid-run; skip and wait for the next scheduled time.
func (s *Scheduler) tick(ctx context.Context) {
	release, ok, err := s.locker.TryLock(ctx)
	if err != nil {
		s.logger.Error("run lock acquire failed", "error", err)
		return
	}
	if !ok {
		s.logger.Warn("parse tick skipped: run lock held")
		return
	}
	defer release()

	if _, err := s.runner.RunOnce(ctx); err != nil {
		s.logger.Error("parse run failed", "error", err)
	}
}
