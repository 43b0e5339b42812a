package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/graphmesh/event-worker/internal/config"
	"github.com/graphmesh/event-worker/internal/core"
	"github.com/graphmesh/event-worker/internal/health"
)

// fakeStore is an in-memory core.LeaseStore recording every call.
type fakeStore struct {
	mu sync.Mutex

	// leaseFn produces the next batch; nil means no work.
	leaseFn    func(batchSize int, workerID string) []core.LeasedEvent
	leaseErr   error
	leaseCalls int

	extendOK  bool
	extendErr error

	acks    []string // event IDs acknowledged
	fails   []failCall
	extends []string // event IDs extended
}

type failCall struct {
	eventID string
	leaseID string
	err     error
	retries int
}

func newFakeStore() *fakeStore {
	return &fakeStore{extendOK: true}
}

func (s *fakeStore) LeaseEvents(ctx context.Context, batchSize int, workerID string) ([]core.LeasedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseCalls++
	if s.leaseErr != nil {
		return nil, s.leaseErr
	}
	if s.leaseFn == nil {
		return nil, nil
	}
	return s.leaseFn(batchSize, workerID), nil
}

func (s *fakeStore) AckEvent(ctx context.Context, eventID, leaseID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, eventID)
	return nil
}

func (s *fakeStore) FailEvent(ctx context.Context, eventID, leaseID string, procErr error, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, failCall{eventID: eventID, leaseID: leaseID, err: procErr, retries: retryCount})
	return nil
}

func (s *fakeStore) ExtendLease(ctx context.Context, eventID, leaseID string, newExpiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extendErr != nil {
		return false, s.extendErr
	}
	if s.extendOK {
		s.extends = append(s.extends, eventID)
	}
	return s.extendOK, nil
}

func (s *fakeStore) GetEvent(ctx context.Context, eventID string) (*core.Event, error) {
	return nil, nil
}

func (s *fakeStore) setLeaseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseErr = err
}

func (s *fakeStore) leaseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseCalls
}

func (s *fakeStore) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

func (s *fakeStore) failCalls() []failCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]failCall(nil), s.fails...)
}

func (s *fakeStore) extendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.extends)
}

// fakeExecutor delegates to a function and counts invocations.
type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, event *core.Event) (*core.ExecResult, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, event *core.Event) (*core.ExecResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fn == nil {
		return &core.ExecResult{Result: json.RawMessage(`{"ok":true}`)}, nil
	}
	return e.fn(ctx, event)
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testConfig() *config.WorkerConfig {
	return &config.WorkerConfig{
		PollInterval:          10 * time.Millisecond,
		BatchSize:             5,
		LeaseTimeout:          200 * time.Millisecond,
		MaxRetries:            3,
		ShutdownTimeout:       2 * time.Second,
		MaxConcurrent:         5,
		LeaseRenewalInterval:  10 * time.Millisecond,
		LeaseRenewalThreshold: 50 * time.Millisecond,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         10 * time.Millisecond,
		RetryMultiplier:       2.0,
		HealthCheckInterval:   50 * time.Millisecond,
		WorkerID:              "worker-test",
	}
}

func leasedEvent(id string, ttl time.Duration) core.LeasedEvent {
	return core.LeasedEvent{
		Event: &core.Event{ID: id, Type: "entity.updated", CreatedAt: core.NowFormatted()},
		Lease: core.NewEventLease(id, "lease-"+id, "worker-test", time.Now().Add(ttl)),
	}
}

// serveOnce returns a leaseFn yielding the given events on the first call
// and nothing afterward.
func serveOnce(events ...core.LeasedEvent) func(int, string) []core.LeasedEvent {
	served := false
	var mu sync.Mutex
	return func(batchSize int, workerID string) []core.LeasedEvent {
		mu.Lock()
		defer mu.Unlock()
		if served {
			return nil
		}
		served = true
		if len(events) > batchSize {
			return events[:batchSize]
		}
		return events
	}
}

func newTestMonitor() *health.Monitor {
	return health.New(health.Options{})
}
