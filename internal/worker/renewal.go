// Package worker contains the poll/dispatch pipeline that drains the
// leased event queue: the poller control loop, the per-event processor,
// and the lease renewal manager.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graphmesh/event-worker/internal/core"
	"github.com/graphmesh/event-worker/internal/health"
)

// RenewalManager keeps one in-flight job's lease alive. Every tick it
// checks the remaining lease time; once at or below the renewal threshold
// it extends the lease through the store. A failed extension is recorded
// and retried on the next tick; the manager never stops itself before
// Stop is called.
type RenewalManager struct {
	store        core.LeaseStore
	monitor      *health.Monitor
	interval     time.Duration
	threshold    time.Duration
	leaseTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRenewalManager creates a renewal manager for a single job.
func NewRenewalManager(store core.LeaseStore, monitor *health.Monitor, interval, threshold, leaseTimeout time.Duration) *RenewalManager {
	return &RenewalManager{
		store:        store,
		monitor:      monitor,
		interval:     interval,
		threshold:    threshold,
		leaseTimeout: leaseTimeout,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the periodic renewal cycle for the given lease.
// At most one cycle runs per manager instance.
func (r *RenewalManager) Start(ctx context.Context, lease *core.EventLease) {
	go r.run(ctx, lease)
}

func (r *RenewalManager) run(ctx context.Context, lease *core.EventLease) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.renewIfNeeded(ctx, lease)
		}
	}
}

func (r *RenewalManager) renewIfNeeded(ctx context.Context, lease *core.EventLease) {
	now := time.Now()
	if lease.Remaining(now) > r.threshold {
		return
	}

	newExpiry := now.Add(r.leaseTimeout)
	ok, err := r.store.ExtendLease(ctx, lease.EventID, lease.LeaseID, newExpiry)
	if err != nil || !ok {
		r.monitor.RecordRenewal(false)
		slog.Warn("lease renewal failed",
			"event_id", lease.EventID,
			"lease_id", lease.LeaseID,
			"error", err,
			"extended", ok,
		)
		return
	}

	lease.Advance(newExpiry)
	r.monitor.RecordRenewal(true)
	slog.Debug("lease renewed",
		"event_id", lease.EventID,
		"expires_at", core.FormatTime(newExpiry),
	)
}

// Stop ends the renewal cycle and waits for it to exit. Idempotent; the
// owning processor calls it unconditionally, so no renewal call can
// outlive its job.
func (r *RenewalManager) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
