package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event lifecycle states as stored in the lease store.
const (
	StatePending   = "pending"
	StateLeased    = "leased"
	StateCompleted = "completed"
	StateDead      = "dead"
)

// IsTerminalState reports whether an event state is terminal.
func IsTerminalState(state string) bool {
	return state == StateCompleted || state == StateDead
}

// Event is a unit of work drained from the lease store.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// EventLease is a time-bounded exclusive claim on one event.
// ExpiresAt is advanced only on successful renewal; the renewal goroutine
// and the processor both touch it, so access is guarded.
type EventLease struct {
	EventID  string
	LeaseID  string
	WorkerID string

	mu        sync.Mutex
	expiresAt time.Time
}

// NewEventLease constructs a lease claim.
func NewEventLease(eventID, leaseID, workerID string, expiresAt time.Time) *EventLease {
	return &EventLease{
		EventID:   eventID,
		LeaseID:   leaseID,
		WorkerID:  workerID,
		expiresAt: expiresAt,
	}
}

// ExpiresAt returns the current lease expiry.
func (l *EventLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Advance moves the lease expiry forward after a successful renewal.
func (l *EventLease) Advance(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.expiresAt) {
		l.expiresAt = t
	}
}

// Remaining returns the time left on the lease relative to now.
func (l *EventLease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt().Sub(now)
}

// LeasedEvent pairs an event with the lease that claims it.
type LeasedEvent struct {
	Event *Event
	Lease *EventLease
}

// ProcessingResult is the structured outcome of processing one event.
// Immutable once constructed.
type ProcessingResult struct {
	Success        bool
	EventID        string
	ProcessingTime time.Duration
	Retryable      bool
	Code           ErrorCode
	Err            error
	Output         json.RawMessage
}

// ExecResult is the raw settlement returned by the job-execution capability.
// A populated Error or ErrorMessage signals a soft failure even though the
// call itself settled.
type ExecResult struct {
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Failed reports whether the settlement carries an embedded failure.
func (r *ExecResult) Failed() bool {
	return r != nil && (r.Error != "" || r.ErrorMessage != "")
}

// FailureMessage returns the embedded failure text, preferring the
// human-readable message over the error code field.
func (r *ExecResult) FailureMessage() string {
	if r == nil {
		return ""
	}
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return r.Error
}

// LeaseStore is the queue backend that issues and reclaims leases.
type LeaseStore interface {
	// LeaseEvents claims up to batchSize pending events for workerID.
	LeaseEvents(ctx context.Context, batchSize int, workerID string) ([]LeasedEvent, error)

	// AckEvent acknowledges successful processing under the given lease.
	AckEvent(ctx context.Context, eventID, leaseID string, result json.RawMessage) error

	// FailEvent marks an event permanently failed under the given lease.
	FailEvent(ctx context.Context, eventID, leaseID string, procErr error, retryCount int) error

	// ExtendLease advances a lease expiry. Returns false when the lease is
	// no longer held (reclaimed, expired, or replaced).
	ExtendLease(ctx context.Context, eventID, leaseID string, newExpiresAt time.Time) (bool, error)

	// GetEvent fetches a single event by ID.
	GetEvent(ctx context.Context, eventID string) (*Event, error)
}

// Executor is the external job-execution capability invoked per event.
type Executor interface {
	Execute(ctx context.Context, event *Event) (*ExecResult, error)
}
