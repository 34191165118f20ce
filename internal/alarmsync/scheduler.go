package alarmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/platelog/internal/observability"
)

// ErrRunInProgress is returned by TryRun when another run holds the lock,
// in this process or in another one sharing the database.
var ErrRunInProgress = errors.New("sync run already in progress")

type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Locker provides a cross-process lock, e.g. a Postgres advisory lock.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

type SchedulerConfig struct {
	Interval      time.Duration
	RetryInterval time.Duration
	LockKey       int64
}

// Scheduler runs the syncer repeatedly: Interval after a successful run,
// RetryInterval after a failed one. Trigger requests an early run.
type Scheduler struct {
	runner  Runner
	locker  Locker
	cfg     SchedulerConfig
	mu      sync.Mutex
	trigger chan struct{}
}

// NewScheduler builds a scheduler. locker may be nil for single-process use.
func NewScheduler(runner Runner, locker Locker, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	return &Scheduler{
		runner:  runner,
		locker:  locker,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks the loop to run as soon as possible. Requests made while one
// is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TryRun performs a single run unless one is already active.
func (s *Scheduler) TryRun(ctx context.Context) (Summary, error) {
	if !s.mu.TryLock() {
		observability.SyncRuns.WithLabelValues("busy").Inc()
		return Summary{}, ErrRunInProgress
	}
	defer s.mu.Unlock()

	if s.locker != nil {
		release, ok, err := s.locker.TryAdvisoryLock(ctx, s.cfg.LockKey)
		if err != nil {
			return Summary{}, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			observability.SyncRuns.WithLabelValues("busy").Inc()
			return Summary{}, ErrRunInProgress
		}
		defer release()
	}

	return s.runner.Run(ctx)
}

// Loop runs until ctx is cancelled.
func (s *Scheduler) Loop(ctx context.Context) error {
	slog.Info("sync scheduler started", "interval", s.cfg.Interval, "retry_interval", s.cfg.RetryInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.TryRun(ctx)

		wait := s.cfg.Interval
		switch {
		case err == nil:
		case errors.Is(err, ErrRunInProgress):
			slog.Debug("sync skipped, run in progress")
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			wait = s.cfg.RetryInterval
			slog.Warn("sync run failed, retrying later", "retry_in", wait, "error", err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}
