package updater

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/logging"
)

// Scheduler runs the updater on a fixed interval
type Scheduler struct {
	updater    *Updater
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// NewScheduler creates a scheduler for u
func NewScheduler(u *Updater, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		updater:    u,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logging.WithComponent("scheduler"),
	}
}

// Run blocks until ctx is cancelled, running a batch every interval
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting price update scheduler",
		zap.Duration("interval", s.interval),
		zap.Bool("run_on_start", s.runOnStart))

	if !s.runOnStart {
		if !s.wait(ctx, s.interval) {
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.runOnce(ctx)

			if !s.wait(ctx, s.interval) {
				return ctx.Err()
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.updater.Run(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Info("Skipping scheduled run, another update is in progress")
	case err != nil:
		s.logger.Error("Scheduled price update failed", zap.Error(err))
	case res.Failed > 0:
		s.logger.Warn("Scheduled price update finished with failures",
			zap.Int("failed", res.Failed),
			zap.Int("total", res.Total))
	}
}

// wait sleeps for d and reports whether ctx is still live
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
