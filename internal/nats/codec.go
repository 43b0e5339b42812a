package nats

import (
	"encoding/json"

	"github.com/graphmesh/event-worker/internal/core"
)

// eventState is the JSON record stored in the gw-events bucket for each
// event.
type eventState struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	State       string            `json:"state"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Attempts    int               `json:"attempts"`
	CreatedAt   string            `json:"created_at,omitempty"`
	LeasedAt    string            `json:"leased_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	FailedAt    string            `json:"failed_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Errors      []json.RawMessage `json:"errors,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
}

func stateToEvent(s *eventState) *core.Event {
	return &core.Event{
		ID:        s.ID,
		Type:      s.Type,
		Payload:   s.Payload,
		CreatedAt: s.CreatedAt,
	}
}

func marshalEventState(s *eventState) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalEventState(data []byte) (*eventState, error) {
	var s eventState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// leaseRecord is the JSON record stored in the gw-active bucket while an
// event is leased. The record's KV revision backs compare-and-swap lease
// extension.
type leaseRecord struct {
	EventID   string `json:"event_id"`
	LeaseID   string `json:"lease_id"`
	WorkerID  string `json:"worker_id"`
	ExpiresAt string `json:"expires_at"`
}

// eventError is the per-attempt failure payload appended to an event's
// error history.
type eventError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Attempt int    `json:"attempt"`
	At      string `json:"at"`
}
