package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphmesh/event-worker/internal/config"
	"github.com/graphmesh/event-worker/internal/core"
	"github.com/graphmesh/event-worker/internal/health"
)

// PollerState is the poller lifecycle state.
type PollerState int32

const (
	StateStopped PollerState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s PollerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// shutdownPollStep is the granularity of the drain wait during Stop.
const shutdownPollStep = 100 * time.Millisecond

// retryState tracks one event's in-memory retry bookkeeping. It exists
// only between an event's first failure and its resolution.
type retryState struct {
	attempts      int
	lastAttemptAt time.Time
	nextRetryAt   time.Time
}

// Poller is the top-level control loop: it leases batches up to the
// concurrency ceiling, dispatches them to the processor, schedules
// retries or permanent failures, and manages graceful shutdown.
type Poller struct {
	cfg       *config.WorkerConfig
	store     core.LeaseStore
	processor *Processor
	monitor   *health.Monitor

	state atomic.Int32

	retryMu sync.Mutex
	retries map[string]*retryState

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}

	lastStatus health.Status
}

// NewPoller wires the control loop from its collaborators.
func NewPoller(cfg *config.WorkerConfig, store core.LeaseStore, processor *Processor, monitor *health.Monitor) *Poller {
	return &Poller{
		cfg:       cfg,
		store:     store,
		processor: processor,
		monitor:   monitor,
		retries:   make(map[string]*retryState),
	}
}

// State returns the current lifecycle state.
func (p *Poller) State() PollerState {
	return PollerState(p.state.Load())
}

// Start transitions stopped -> starting -> running and launches the poll
// loop and the periodic health tick.
func (p *Poller) Start() error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("poller already started (state %s)", p.State())
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.lastStatus = health.StatusUnknown

	p.state.Store(int32(StateRunning))
	p.monitor.SetComponentHealth("poller", health.StatusHealthy, "running")
	slog.Info("poller started",
		"worker_id", p.cfg.WorkerID,
		"poll_interval_ms", p.cfg.PollInterval.Milliseconds(),
		"batch_size", p.cfg.BatchSize,
		"max_concurrent", p.cfg.MaxConcurrent,
	)

	go p.run()
	go p.healthLoop()
	return nil
}

// run drives poll cycles until stopped. A panic escaping a cycle is
// unrecoverable: the poller enters the error state and forces shutdown.
func (p *Poller) run() {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("poller loop panic, forcing shutdown", "panic", r)
			p.state.Store(int32(StateError))
			p.monitor.SetComponentHealth("poller", health.StatusUnhealthy, fmt.Sprintf("loop panic: %v", r))
			go p.Stop()
		}
	}()

	consecutiveErrors := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		cycleStart := time.Now()
		err := p.pollCycle(p.ctx)
		if err != nil {
			consecutiveErrors++
			delay := core.RetryDelay(consecutiveErrors-1, p.cfg.RetryConfig(), nil)
			slog.Error("poll cycle failed",
				"error", err,
				"consecutive_errors", consecutiveErrors,
				"backoff_ms", delay.Milliseconds(),
			)
			if !p.sleep(delay) {
				return
			}
		} else {
			consecutiveErrors = 0
		}

		p.monitor.RecordPollCycle()

		elapsed := time.Since(cycleStart)
		slog.Debug("poll cycle complete", "duration_ms", elapsed.Milliseconds())
		if rest := p.cfg.PollInterval - elapsed; rest > 0 {
			if !p.sleep(rest) {
				return
			}
		}
	}
}

// sleep waits for d or until stop, reporting false when stopping.
func (p *Poller) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stop:
		return false
	case <-timer.C:
		return true
	}
}

// pollCycle leases one capacity-bounded batch and dispatches it
// concurrently, waiting for every job to settle before returning.
func (p *Poller) pollCycle(ctx context.Context) error {
	available := p.cfg.MaxConcurrent - p.monitor.ActiveJobs()
	if available <= 0 {
		slog.Debug("at concurrency ceiling, skipping lease", "max_concurrent", p.cfg.MaxConcurrent)
		return nil
	}

	batch := available
	if batch > p.cfg.BatchSize {
		batch = p.cfg.BatchSize
	}

	leased, err := p.store.LeaseEvents(ctx, batch, p.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("leasing events: %w", err)
	}
	if len(leased) == 0 {
		return nil
	}

	now := time.Now()
	var wg sync.WaitGroup
	for _, le := range leased {
		if p.inBackoff(le.Event.ID, now) {
			p.monitor.RecordSkipped()
			slog.Debug("event in retry backoff, skipped", "event_id", le.Event.ID)
			continue
		}

		wg.Add(1)
		go func(le core.LeasedEvent) {
			defer wg.Done()
			p.dispatch(ctx, le)
		}(le)
	}
	wg.Wait()

	p.monitor.SetPendingRetries(p.pendingRetries())
	return nil
}

// inBackoff reports whether an event's next retry time is still in the
// future.
func (p *Poller) inBackoff(eventID string, now time.Time) bool {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	st, ok := p.retries[eventID]
	return ok && now.Before(st.nextRetryAt)
}

func (p *Poller) pendingRetries() int {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	return len(p.retries)
}

// dispatch processes one leased event and settles it with the store.
func (p *Poller) dispatch(ctx context.Context, le core.LeasedEvent) {
	result := p.processor.Process(ctx, le.Event, le.Lease)

	if result.Success {
		if err := p.store.AckEvent(ctx, le.Event.ID, le.Lease.LeaseID, result.Output); err != nil {
			slog.Warn("ack failed", "event_id", le.Event.ID, "error", err)
		}
		p.clearRetryState(le.Event.ID)
		return
	}

	p.handleFailure(ctx, le, result)
}

// handleFailure schedules a retry with backoff, or routes the event to
// permanent failure when the error is non-retryable or the retries are
// exhausted. On a retryable failure the lease is left to expire; the
// store's reaper reclaims it.
func (p *Poller) handleFailure(ctx context.Context, le core.LeasedEvent, result core.ProcessingResult) {
	now := time.Now()

	p.retryMu.Lock()
	st, ok := p.retries[le.Event.ID]
	if !ok {
		st = &retryState{}
		p.retries[le.Event.ID] = st
	}
	st.attempts++
	st.lastAttemptAt = now
	attempts := st.attempts
	p.retryMu.Unlock()

	if result.Retryable && attempts < p.cfg.MaxRetries {
		delay := core.RetryDelay(attempts, p.cfg.RetryConfig(), nil)
		next := now.Add(delay)

		p.retryMu.Lock()
		if next.After(st.nextRetryAt) {
			st.nextRetryAt = next
		}
		p.retryMu.Unlock()

		p.monitor.RecordRetry()
		slog.Info("event retry scheduled",
			"event_id", le.Event.ID,
			"attempt", attempts,
			"max_retries", p.cfg.MaxRetries,
			"code", string(result.Code),
			"retry_in_ms", delay.Milliseconds(),
		)
		return
	}

	if err := p.store.FailEvent(ctx, le.Event.ID, le.Lease.LeaseID, result.Err, attempts); err != nil {
		slog.Warn("permanent failure report failed", "event_id", le.Event.ID, "error", err)
	}
	p.clearRetryState(le.Event.ID)
	p.monitor.RecordPermanentFailure()
	slog.Error("event permanently failed",
		"event_id", le.Event.ID,
		"attempts", attempts,
		"code", string(result.Code),
		"error", result.Err,
	)
}

// drained reports whether the poll loop has exited and no jobs remain in
// flight.
func (p *Poller) drained() bool {
	select {
	case <-p.done:
	default:
		return false
	}
	return p.monitor.ActiveJobs() == 0
}

func (p *Poller) clearRetryState(eventID string) {
	p.retryMu.Lock()
	delete(p.retries, eventID)
	p.retryMu.Unlock()
}

// healthLoop refreshes the poller's component health on a fixed cadence
// and logs on aggregate status changes (always in debug mode).
func (p *Poller) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.monitor.SetComponentHealth("poller", p.componentStatus(), p.State().String())
			status := p.monitor.Status()
			if status != p.lastStatus || p.cfg.Debug {
				slog.Info("health check",
					"status", string(status),
					"previous", string(p.lastStatus),
					"active_jobs", p.monitor.ActiveJobs(),
					"pending_retries", p.pendingRetries(),
				)
				p.lastStatus = status
			}
		}
	}
}

func (p *Poller) componentStatus() health.Status {
	switch p.State() {
	case StateRunning:
		return health.StatusHealthy
	case StateError:
		return health.StatusUnhealthy
	case StateStopping, StateStarting:
		return health.StatusDegraded
	default:
		return health.StatusUnknown
	}
}

// Stop transitions to stopping, halts leasing, waits up to the shutdown
// timeout for in-flight jobs to drain, then stops regardless.
func (p *Poller) Stop() error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) &&
		!p.state.CompareAndSwap(int32(StateError), int32(StateStopping)) {
		return fmt.Errorf("poller not running (state %s)", p.State())
	}

	slog.Info("poller stopping", "shutdown_timeout_ms", p.cfg.ShutdownTimeout.Milliseconds())
	close(p.stop)

	deadline := time.Now().Add(p.cfg.ShutdownTimeout)
	for !p.drained() && time.Now().Before(deadline) {
		time.Sleep(shutdownPollStep)
	}
	if !p.drained() {
		slog.Warn("shutdown timeout elapsed with jobs in flight", "active_jobs", p.monitor.ActiveJobs())
	}

	p.cancel()
	p.state.Store(int32(StateStopped))
	p.monitor.SetComponentHealth("poller", health.StatusUnknown, "stopped")
	slog.Info("poller stopped")
	return nil
}
