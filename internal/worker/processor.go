package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/graphmesh/event-worker/internal/config"
	"github.com/graphmesh/event-worker/internal/core"
	"github.com/graphmesh/event-worker/internal/health"
)

// Processor executes one event end-to-end: it starts lease renewal, runs
// the job executor under the lease timeout, classifies any failure, and
// returns a structured result. Renewal is always stopped and the
// active-job gauge always decremented before a result is reported.
type Processor struct {
	store    core.LeaseStore
	executor core.Executor
	monitor  *health.Monitor
	cfg      *config.WorkerConfig
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(store core.LeaseStore, executor core.Executor, monitor *health.Monitor, cfg *config.WorkerConfig) *Processor {
	return &Processor{store: store, executor: executor, monitor: monitor, cfg: cfg}
}

type execSettlement struct {
	res *core.ExecResult
	err error
}

// Process runs one leased event and returns its result. It never returns
// an error; all failures are classified into the result.
func (p *Processor) Process(ctx context.Context, event *core.Event, lease *core.EventLease) core.ProcessingResult {
	start := time.Now()

	p.monitor.IncActiveJobs()
	defer p.monitor.DecActiveJobs()

	renewal := NewRenewalManager(p.store, p.monitor,
		p.cfg.LeaseRenewalInterval, p.cfg.LeaseRenewalThreshold, p.cfg.LeaseTimeout)
	renewal.Start(ctx, lease)
	defer renewal.Stop()

	if !lease.ExpiresAt().After(start) {
		return p.failure(event, start, core.NewLeaseExpiredError(event.ID))
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTimeout)
	defer cancel()

	settled := make(chan execSettlement, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				settled <- execSettlement{err: core.NewWorkerError(core.CodeProcessingError,
					fmt.Sprintf("executor panic: %v", r))}
			}
		}()
		res, err := p.executor.Execute(execCtx, event)
		settled <- execSettlement{res: res, err: err}
	}()

	var out execSettlement
	select {
	case <-execCtx.Done():
		// A late settlement is discarded via the buffered channel. A
		// cancelled parent context means shutdown aborted the job, not
		// that the lease timer expired.
		if ctx.Err() != nil {
			return p.failure(event, start, core.NewWorkerError(core.CodeProcessingError,
				fmt.Sprintf("processing %s aborted: %v", event.ID, ctx.Err())))
		}
		return p.failure(event, start,
			core.NewTimeoutError(event.ID, p.cfg.LeaseTimeout.Milliseconds()))
	case out = <-settled:
	}

	if out.err != nil {
		return p.failure(event, start, out.err)
	}
	if out.res.Failed() {
		return p.failure(event, start,
			fmt.Errorf("executor reported failure: %s", out.res.FailureMessage()))
	}

	elapsed := time.Since(start)
	p.monitor.RecordProcessed(elapsed)
	slog.Debug("event processed",
		"event_id", event.ID,
		"type", event.Type,
		"duration_ms", elapsed.Milliseconds(),
	)

	var output []byte
	if out.res != nil {
		output = out.res.Result
	}
	return core.ProcessingResult{
		Success:        true,
		EventID:        event.ID,
		ProcessingTime: elapsed,
		Output:         output,
	}
}

func (p *Processor) failure(event *core.Event, start time.Time, err error) core.ProcessingResult {
	code, retryable := core.Classify(err)
	elapsed := time.Since(start)
	p.monitor.RecordFailure()
	slog.Warn("event processing failed",
		"event_id", event.ID,
		"code", string(code),
		"retryable", retryable,
		"duration_ms", elapsed.Milliseconds(),
		"error", err,
	)
	return core.ProcessingResult{
		Success:        false,
		EventID:        event.ID,
		ProcessingTime: elapsed,
		Retryable:      retryable,
		Code:           code,
		Err:            err,
	}
}
