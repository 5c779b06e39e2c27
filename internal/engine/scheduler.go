package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BadgerOps/fitsync/internal/source"
)

// Scheduler triggers SyncAll on a fixed interval.
type Scheduler struct {
	manager  *SyncManager
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewScheduler creates a scheduler for manager. A non-positive interval
// makes Start return immediately.
func NewScheduler(manager *SyncManager, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled. It should be called in a
// goroutine. The first sync happens one interval after start.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started", "interval", s.interval)
	s.announce(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
		}

		s.announce(time.Now().Add(s.interval))
		results, err := s.manager.SyncAll(ctx, time.Time{})
		if err != nil {
			s.logger.Error("scheduled sync failed", "error", err)
			continue
		}
		failed := 0
		for _, res := range results {
			if !res.Success {
				failed++
			}
		}
		s.logger.Info("scheduled sync finished", "sources", len(results), "failed", failed)
	}
}

// Wait blocks until Start has returned.
func (s *Scheduler) Wait() {
	<-s.done
}

// announce pushes the next due time to every adapter that tracks it.
func (s *Scheduler) announce(next time.Time) {
	for _, id := range s.manager.Registry().IDs() {
		ds, ok := s.manager.Registry().Get(id)
		if !ok {
			continue
		}
		if sch, ok := ds.(source.Scheduled); ok {
			sch.SetSchedule(s.interval, next)
		}
	}
}
