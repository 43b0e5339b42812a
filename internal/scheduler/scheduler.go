// Package scheduler runs the store maintenance loops: the expired-lease
// reaper on a fixed interval and the terminal-event purge on a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/graphmesh/event-worker/internal/health"
)

// MaintainableStore is the slice of the lease store the scheduler drives.
type MaintainableStore interface {
	RequeueExpired(ctx context.Context) (int, error)
	PurgeTerminal(ctx context.Context, retention time.Duration) (int, error)
	Ping(ctx context.Context) error
}

// Scheduler owns the background maintenance goroutines.
type Scheduler struct {
	store   MaintainableStore
	monitor *health.Monitor

	reapInterval   time.Duration
	purgeSchedule  cron.Schedule
	purgeRetention time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler. purgeSpec is a standard 5-field cron
// expression.
func New(store MaintainableStore, monitor *health.Monitor, reapInterval time.Duration, purgeSpec string, purgeRetention time.Duration) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(purgeSpec)
	if err != nil {
		return nil, fmt.Errorf("parsing purge schedule %q: %w", purgeSpec, err)
	}
	return &Scheduler{
		store:          store,
		monitor:        monitor,
		reapInterval:   reapInterval,
		purgeSchedule:  schedule,
		purgeRetention: purgeRetention,
		stop:           make(chan struct{}),
	}, nil
}

// Start launches the reap and purge loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.reapLoop()
	go s.purgeLoop()
	slog.Info("scheduler started",
		"reap_interval_ms", s.reapInterval.Milliseconds(),
		"purge_retention_h", s.purgeRetention.Hours(),
	)
}

// Stop halts the loops. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Scheduler) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Scheduler) purgeLoop() {
	defer s.wg.Done()

	for {
		next := s.purgeSchedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.purgeOnce()
		}
	}
}

func (s *Scheduler) purgeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := s.store.PurgeTerminal(ctx, s.purgeRetention)
	if err != nil {
		slog.Error("terminal event purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("terminal events purged", "count", purged)
	}
}
