package gitsync

import (
	"context"
	"log/slog"
	"time"
)

// Syncer runs one pass over every configured repository.
type Syncer interface {
	SyncAll(ctx context.Context) error
}

// Scheduler triggers a sync pass at a fixed interval until its context is
// cancelled. Failures are logged and the next tick proceeds regardless.
type Scheduler struct {
	interval time.Duration
	syncer   Syncer
	logger   *slog.Logger
}

// NewScheduler creates a scheduler; a non-positive interval defaults to five
// minutes.
func NewScheduler(interval time.Duration, syncer Syncer, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		syncer:   syncer,
		logger:   logger.With("component", "gitsync.scheduler"),
	}
}

// Run blocks until ctx is cancelled, syncing all repositories once
// immediately and then on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopping")
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	if err := s.syncer.SyncAll(ctx); err != nil {
		s.logger.Warn("sync pass completed with failures", "error", err)
	}
}
