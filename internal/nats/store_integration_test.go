package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/graphmesh/event-worker/internal/core"
)

// newIntegrationStore connects to a local NATS server with JetStream
// enabled, skipping the test when none is running.
func newIntegrationStore(t *testing.T, leaseTimeout time.Duration) *Store {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	store, err := New(url, leaseTimeout)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func enqueueTestEvent(t *testing.T, store *Store, eventType string) *core.Event {
	t.Helper()
	event, err := store.Enqueue(context.Background(), &core.Event{
		Type:    eventType,
		Payload: json.RawMessage(`{"entity_id":"e-1"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return event
}

// leaseOne polls until the enqueued event shows up in a lease batch.
func leaseOne(t *testing.T, store *Store, eventID string) core.LeasedEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leased, err := store.LeaseEvents(context.Background(), 10, "it-worker")
		if err != nil {
			t.Fatalf("LeaseEvents() error: %v", err)
		}
		for _, le := range leased {
			if le.Event.ID == eventID {
				return le
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("event %s never leased", eventID)
	return core.LeasedEvent{}
}

func TestStoreIntegration_EnqueueLeaseAck(t *testing.T) {
	store := newIntegrationStore(t, 30*time.Second)
	ctx := context.Background()

	event := enqueueTestEvent(t, store, "it.lifecycle."+core.NewUUIDv7())
	le := leaseOne(t, store, event.ID)

	if le.Lease.WorkerID != "it-worker" {
		t.Errorf("lease worker = %q, want %q", le.Lease.WorkerID, "it-worker")
	}
	if !le.Lease.ExpiresAt().After(time.Now()) {
		t.Error("fresh lease already expired")
	}

	if err := store.AckEvent(ctx, event.ID, le.Lease.LeaseID, json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("AckEvent() error: %v", err)
	}

	state, err := store.getEventState(ctx, event.ID)
	if err != nil {
		t.Fatalf("loading event state: %v", err)
	}
	if state.State != core.StateCompleted {
		t.Errorf("state = %q, want %q", state.State, core.StateCompleted)
	}
	if state.CompletedAt == "" {
		t.Error("completed event missing completed_at")
	}
	if store.active.Exists(ctx, event.ID) {
		t.Error("lease record still present after ack")
	}
}

func TestStoreIntegration_AckWithWrongLeaseRejected(t *testing.T) {
	store := newIntegrationStore(t, 30*time.Second)
	ctx := context.Background()

	event := enqueueTestEvent(t, store, "it.conflict."+core.NewUUIDv7())
	le := leaseOne(t, store, event.ID)

	err := store.AckEvent(ctx, event.ID, "not-the-lease", nil)
	var werr *core.WorkerError
	if !errors.As(err, &werr) || werr.Code != core.CodeLeaseExpired {
		t.Fatalf("AckEvent with wrong lease = %v, want %s", err, core.CodeLeaseExpired)
	}

	// The rightful holder still settles.
	if err := store.AckEvent(ctx, event.ID, le.Lease.LeaseID, nil); err != nil {
		t.Fatalf("AckEvent() with correct lease error: %v", err)
	}
}

func TestStoreIntegration_ExtendLease(t *testing.T) {
	store := newIntegrationStore(t, 30*time.Second)
	ctx := context.Background()

	event := enqueueTestEvent(t, store, "it.extend."+core.NewUUIDv7())
	le := leaseOne(t, store, event.ID)

	newExpiry := time.Now().Add(time.Minute)
	ok, err := store.ExtendLease(ctx, event.ID, le.Lease.LeaseID, newExpiry)
	if err != nil {
		t.Fatalf("ExtendLease() error: %v", err)
	}
	if !ok {
		t.Fatal("ExtendLease() = false for the rightful holder, want true")
	}

	ok, err = store.ExtendLease(ctx, event.ID, "not-the-lease", newExpiry.Add(time.Minute))
	if err != nil {
		t.Fatalf("ExtendLease() with wrong lease error: %v", err)
	}
	if ok {
		t.Error("ExtendLease() = true for a stale lease ID, want false")
	}

	store.AckEvent(ctx, event.ID, le.Lease.LeaseID, nil)
}

func TestStoreIntegration_FailEventGoesDead(t *testing.T) {
	store := newIntegrationStore(t, 30*time.Second)
	ctx := context.Background()

	event := enqueueTestEvent(t, store, "it.dead."+core.NewUUIDv7())
	le := leaseOne(t, store, event.ID)

	procErr := core.NewInvalidEventError(event.ID, "missing field: entity_id")
	if err := store.FailEvent(ctx, event.ID, le.Lease.LeaseID, procErr, 1); err != nil {
		t.Fatalf("FailEvent() error: %v", err)
	}

	state, err := store.getEventState(ctx, event.ID)
	if err != nil {
		t.Fatalf("loading event state: %v", err)
	}
	if state.State != core.StateDead {
		t.Errorf("state = %q, want %q", state.State, core.StateDead)
	}
	if len(state.Errors) != 1 {
		t.Fatalf("error history length = %d, want 1", len(state.Errors))
	}
	var entry eventError
	if err := json.Unmarshal(state.Errors[0], &entry); err != nil {
		t.Fatalf("decoding error entry: %v", err)
	}
	if entry.Code != string(core.CodeInvalidEvent) || entry.Attempt != 1 {
		t.Errorf("error entry = %+v, want code %s attempt 1", entry, core.CodeInvalidEvent)
	}
	if !store.dead.Exists(ctx, event.ID) {
		t.Error("dead index missing entry")
	}
}

func TestStoreIntegration_RequeueExpired(t *testing.T) {
	store := newIntegrationStore(t, 200*time.Millisecond)
	ctx := context.Background()

	event := enqueueTestEvent(t, store, "it.reap."+core.NewUUIDv7())
	le := leaseOne(t, store, event.ID)

	time.Sleep(300 * time.Millisecond)

	requeued, err := store.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired() error: %v", err)
	}
	if requeued < 1 {
		t.Fatalf("RequeueExpired() = %d, want >= 1", requeued)
	}

	state, err := store.getEventState(ctx, event.ID)
	if err != nil {
		t.Fatalf("loading event state: %v", err)
	}
	if state.State != core.StatePending {
		t.Errorf("state after reap = %q, want %q", state.State, core.StatePending)
	}

	// The stale lease can no longer settle the event.
	err = store.AckEvent(ctx, event.ID, le.Lease.LeaseID, nil)
	var werr *core.WorkerError
	if !errors.As(err, &werr) || werr.Code != core.CodeLeaseExpired {
		t.Errorf("AckEvent after reap = %v, want %s", err, core.CodeLeaseExpired)
	}

	// The event is leasable again under a fresh lease, and the delivery
	// count reflects both attempts.
	le2 := leaseOne(t, store, event.ID)
	if le2.Lease.LeaseID == le.Lease.LeaseID {
		t.Error("requeued event reissued the same lease ID")
	}
	attempts, err := store.EventAttempts(ctx, event.ID)
	if err != nil {
		t.Fatalf("EventAttempts() error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d after re-lease, want 2", attempts)
	}
	store.AckEvent(ctx, event.ID, le2.Lease.LeaseID, nil)
}

func TestStoreIntegration_ExecClient(t *testing.T) {
	store := newIntegrationStore(t, 30*time.Second)

	subject := "it.exec." + core.NewUUIDv7()
	sub, err := store.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var req execRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			msg.Respond([]byte(`{"error_message":"bad request"}`))
			return
		}
		reply, _ := json.Marshal(execReply{Result: json.RawMessage(`{"echo":"` + req.EventID + `"}`)})
		msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribing exec responder: %v", err)
	}
	defer sub.Unsubscribe()

	client := NewExecClient(store.Conn(), subject)
	res, err := client.Execute(context.Background(), &core.Event{ID: "evt-exec", Type: "it.exec"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("Execute() reported failure: %s", res.FailureMessage())
	}
	if string(res.Result) != `{"echo":"evt-exec"}` {
		t.Errorf("Result = %s, want echoed event ID", res.Result)
	}
}
