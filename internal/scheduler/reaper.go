package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/graphmesh/event-worker/internal/health"
)

// reapOnce runs one reap pass: it pings the lease store, reports the
// store's component health, and requeues events whose leases lapsed.
// Leases abandoned by a failed worker come back to the queue only
// through this path.
func (s *Scheduler) reapOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.monitor.SetComponentHealth("lease-store", health.StatusUnhealthy, err.Error())
		slog.Error("lease store unreachable, skipping reap", "error", err)
		return
	}
	s.monitor.SetComponentHealth("lease-store", health.StatusHealthy, "reachable")

	requeued, err := s.store.RequeueExpired(ctx)
	if err != nil {
		slog.Error("expired lease reap failed", "error", err)
		return
	}
	if requeued > 0 {
		slog.Info("expired leases requeued", "count", requeued)
	}
}
