package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the closed set of processing failure kinds.
type ErrorCode string

const (
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeLeaseExpired       ErrorCode = "LEASE_EXPIRED"
	CodeLeaseRenewalFailed ErrorCode = "LEASE_RENEWAL_FAILED"
	CodeProcessingError    ErrorCode = "PROCESSING_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInvalidEvent       ErrorCode = "INVALID_EVENT"
	CodeStorageError       ErrorCode = "STORAGE_ERROR"
	CodeGraphError         ErrorCode = "GRAPH_ERROR"
	CodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// Retryable reports whether an error code is worth retrying.
// LEASE_EXPIRED and INVALID_EVENT are non-retryable by definition.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeLeaseExpired, CodeInvalidEvent:
		return false
	default:
		return true
	}
}

// WorkerError is a classified processing error.
type WorkerError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Details   map[string]any
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewWorkerError builds a WorkerError with the code's default retryability.
func NewWorkerError(code ErrorCode, message string) *WorkerError {
	return &WorkerError{Code: code, Message: message, Retryable: code.Retryable()}
}

// NewLeaseExpiredError reports a lease that lapsed before or during processing.
func NewLeaseExpiredError(eventID string) *WorkerError {
	return &WorkerError{
		Code:      CodeLeaseExpired,
		Message:   fmt.Sprintf("lease expired for event %s", eventID),
		Retryable: false,
		Details:   map[string]any{"event_id": eventID},
	}
}

// NewTimeoutError reports that processing exceeded the lease timeout.
func NewTimeoutError(eventID string, timeoutMs int64) *WorkerError {
	return &WorkerError{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("processing event %s exceeded %dms", eventID, timeoutMs),
		Retryable: true,
		Details:   map[string]any{"event_id": eventID, "timeout_ms": timeoutMs},
	}
}

// NewInvalidEventError reports an event that can never process successfully.
func NewInvalidEventError(eventID, reason string) *WorkerError {
	return &WorkerError{
		Code:      CodeInvalidEvent,
		Message:   fmt.Sprintf("invalid event %s: %s", eventID, reason),
		Retryable: false,
		Details:   map[string]any{"event_id": eventID},
	}
}

// classificationRule matches opaque error text against a failure kind.
// Rules are evaluated in order; first match wins.
type classificationRule struct {
	patterns  []string
	code      ErrorCode
	retryable bool
}

var classificationRules = []classificationRule{
	{[]string{"timeout", "timed out", "deadline exceeded"}, CodeTimeout, true},
	{[]string{"lease expired", "lease-expired", "expired lease"}, CodeLeaseExpired, false},
	{[]string{"rate limit", "rate-limit", "throttl", "too many requests"}, CodeRateLimited, true},
	{[]string{"network", "connection", "no such host", "broken pipe"}, CodeNetworkError, true},
	{[]string{"invalid event", "missing field", "not found"}, CodeInvalidEvent, false},
	{[]string{"storage", "database"}, CodeStorageError, true},
	{[]string{"graph store", "graph-store", "graph write"}, CodeGraphError, true},
}

// Classify maps an error to its failure kind and retryability.
// Typed worker errors and context deadlines classify directly; anything
// else falls back to ordered text matching, failing open toward retrying.
func Classify(err error) (ErrorCode, bool) {
	var werr *WorkerError
	if errors.As(err, &werr) {
		return werr.Code, werr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies opaque error text from an external boundary.
func ClassifyMessage(msg string) (ErrorCode, bool) {
	lower := strings.ToLower(msg)
	for _, rule := range classificationRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				return rule.code, rule.retryable
			}
		}
	}
	return CodeUnknownError, true
}
