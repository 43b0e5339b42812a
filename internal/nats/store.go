// Package nats implements the lease store over NATS JetStream: a
// work-queue stream carries pending event IDs, KV buckets hold event
// state and lease records, and lease extension is a KV compare-and-swap.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/graphmesh/event-worker/internal/core"
	"github.com/graphmesh/event-worker/internal/kv"
)

// Store implements core.LeaseStore over NATS JetStream and KV.
type Store struct {
	nc *nats.Conn
	js jetstream.JetStream

	events *kv.Store
	active *kv.Store
	dead   *kv.Store
	stats  *kv.Store

	consumers *consumerManager

	leaseTimeout time.Duration
}

// New connects to NATS, sets up the stream and buckets, and returns a
// ready Store. Leases granted by LeaseEvents run for leaseTimeout.
func New(natsURL string, leaseTimeout time.Duration) (*Store, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (jetstream.KeyValue, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return bucket, nil
	}

	var buckets [4]jetstream.KeyValue
	for i, name := range []string{BucketEvents, BucketActive, BucketDead, BucketStats} {
		b, err := openKV(name)
		if err != nil {
			nc.Close()
			return nil, err
		}
		buckets[i] = b
	}

	return &Store{
		nc:           nc,
		js:           js,
		events:       kv.NewStore(buckets[0]),
		active:       kv.NewStore(buckets[1]),
		dead:         kv.NewStore(buckets[2]),
		stats:        kv.NewStore(buckets[3]),
		consumers:    newConsumerManager(js),
		leaseTimeout: leaseTimeout,
	}, nil
}

// Conn returns the underlying NATS connection for auxiliary clients.
func (s *Store) Conn() *nats.Conn {
	return s.nc
}

func (s *Store) Close() error {
	s.nc.Close()
	return nil
}

// Enqueue stores a new event in the pending state and publishes its ID
// to the work-queue stream.
func (s *Store) Enqueue(ctx context.Context, event *core.Event) (*core.Event, error) {
	if event.ID == "" {
		event.ID = core.NewUUIDv7()
	}
	if event.CreatedAt == "" {
		event.CreatedAt = core.NowFormatted()
	}

	state := &eventState{
		ID:        event.ID,
		Type:      event.Type,
		State:     core.StatePending,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
	if err := s.putEventState(ctx, state); err != nil {
		return nil, fmt.Errorf("storing event %s: %w", event.ID, err)
	}
	if _, err := s.js.Publish(ctx, PendingSubject(), []byte(event.ID)); err != nil {
		return nil, fmt.Errorf("publishing event %s: %w", event.ID, err)
	}
	return event, nil
}

// LeaseEvents claims up to batchSize pending events for workerID. Each
// returned lease expires after the store's lease timeout unless renewed.
func (s *Store) LeaseEvents(ctx context.Context, batchSize int, workerID string) ([]core.LeasedEvent, error) {
	eventIDs, err := s.consumers.fetch(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching pending events: %w", err)
	}

	now := time.Now()
	var leased []core.LeasedEvent
	for _, eventID := range eventIDs {
		state, err := s.getEventState(ctx, eventID)
		if err != nil {
			// State record is gone; retire the orphaned message.
			s.consumers.ack(eventID)
			continue
		}
		if state.State != core.StatePending {
			s.consumers.ack(eventID)
			continue
		}

		leaseID := core.NewUUIDv7()
		expiresAt := now.Add(s.leaseTimeout)
		record := leaseRecord{
			EventID:   eventID,
			LeaseID:   leaseID,
			WorkerID:  workerID,
			ExpiresAt: core.FormatTime(expiresAt),
		}
		recordData, _ := json.Marshal(record)
		if _, err := s.active.Create(ctx, eventID, recordData); err != nil {
			// Another worker holds the lease.
			s.consumers.remove(eventID)
			continue
		}

		state.State = core.StateLeased
		state.LeasedAt = core.FormatTime(now)
		state.WorkerID = workerID
		state.Attempts++
		if err := s.putEventState(ctx, state); err != nil {
			s.active.Delete(ctx, eventID)
			s.consumers.remove(eventID)
			continue
		}

		leased = append(leased, core.LeasedEvent{
			Event: stateToEvent(state),
			Lease: core.NewEventLease(eventID, leaseID, workerID, expiresAt),
		})
	}

	return leased, nil
}

// AckEvent marks an event completed. The caller's lease ID must still
// hold the event or the ack is rejected.
func (s *Store) AckEvent(ctx context.Context, eventID, leaseID string, result json.RawMessage) error {
	if err := s.verifyLease(ctx, eventID, leaseID); err != nil {
		return err
	}

	state, err := s.getEventState(ctx, eventID)
	if err != nil {
		return fmt.Errorf("loading event %s: %w", eventID, err)
	}

	state.State = core.StateCompleted
	state.CompletedAt = core.NowFormatted()
	if len(result) > 0 {
		state.Result = result
	}
	if err := s.putEventState(ctx, state); err != nil {
		return fmt.Errorf("storing completed event %s: %w", eventID, err)
	}
	if err := s.active.Delete(ctx, eventID); err != nil {
		return fmt.Errorf("releasing lease for event %s: %w", eventID, err)
	}
	if err := s.consumers.ack(eventID); err != nil {
		return fmt.Errorf("acking event message %s: %w", eventID, err)
	}
	s.incrementStat(ctx, state.Type, "completed")
	s.notify(ctx, "completed", eventID)
	return nil
}

// FailEvent routes an event to the dead set after its retries are spent
// or its error is not retryable.
func (s *Store) FailEvent(ctx context.Context, eventID, leaseID string, procErr error, retryCount int) error {
	if err := s.verifyLease(ctx, eventID, leaseID); err != nil {
		return err
	}

	state, err := s.getEventState(ctx, eventID)
	if err != nil {
		return fmt.Errorf("loading event %s: %w", eventID, err)
	}

	now := core.NowFormatted()
	entry := eventError{Attempt: retryCount, At: now}
	if procErr != nil {
		entry.Message = procErr.Error()
		if code, _ := core.Classify(procErr); code != "" {
			entry.Code = string(code)
		}
	}
	entryData, _ := json.Marshal(entry)

	state.State = core.StateDead
	state.FailedAt = now
	state.Errors = append(state.Errors, entryData)
	if err := s.putEventState(ctx, state); err != nil {
		return fmt.Errorf("storing dead event %s: %w", eventID, err)
	}
	if _, err := s.dead.Put(ctx, eventID, []byte(now)); err != nil {
		return fmt.Errorf("indexing dead event %s: %w", eventID, err)
	}
	if err := s.active.Delete(ctx, eventID); err != nil {
		return fmt.Errorf("releasing lease for event %s: %w", eventID, err)
	}
	// Term, not ack: the message must never come back.
	if err := s.consumers.term(eventID); err != nil {
		return fmt.Errorf("terminating event message %s: %w", eventID, err)
	}
	s.incrementStat(ctx, state.Type, "dead")
	s.notify(ctx, "dead", eventID)
	return nil
}

// ExtendLease advances a lease's expiry via compare-and-swap on the
// lease record. It returns false without error when the lease is no
// longer held by leaseID or the record was modified concurrently.
func (s *Store) ExtendLease(ctx context.Context, eventID, leaseID string, newExpiresAt time.Time) (bool, error) {
	data, rev, err := s.active.Get(ctx, eventID)
	if err != nil {
		return false, nil
	}
	var record leaseRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return false, fmt.Errorf("decoding lease record for event %s: %w", eventID, err)
	}
	if record.LeaseID != leaseID {
		return false, nil
	}

	record.ExpiresAt = core.FormatTime(newExpiresAt)
	updated, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encoding lease record for event %s: %w", eventID, err)
	}
	if _, err := s.active.Update(ctx, eventID, updated, rev); err != nil {
		// Revision conflict: the reaper or another holder won the race.
		return false, nil
	}
	return true, nil
}

// GetEvent loads one event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*core.Event, error) {
	state, err := s.getEventState(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("event %s not found: %w", eventID, err)
	}
	return stateToEvent(state), nil
}

// EventAttempts returns the stored delivery count for an event.
func (s *Store) EventAttempts(ctx context.Context, eventID string) (int, error) {
	state, err := s.getEventState(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("event %s not found: %w", eventID, err)
	}
	return state.Attempts, nil
}

// RequeueExpired scans lease records for lapsed deadlines and returns
// each expired event to the pending state. It returns the number of
// events requeued.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	keys, err := s.active.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing lease records: %w", err)
	}

	now := time.Now()
	requeued := 0
	for _, eventID := range keys {
		data, _, err := s.active.Get(ctx, eventID)
		if err != nil {
			continue
		}
		var record leaseRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		expiresAt, err := core.ParseTime(record.ExpiresAt)
		if err != nil || now.Before(expiresAt) {
			continue
		}

		state, err := s.getEventState(ctx, eventID)
		if err != nil {
			s.active.Delete(ctx, eventID)
			continue
		}
		if state.State != core.StateLeased {
			s.active.Delete(ctx, eventID)
			continue
		}

		state.State = core.StatePending
		state.LeasedAt = ""
		state.WorkerID = ""
		if err := s.putEventState(ctx, state); err != nil {
			continue
		}
		if err := s.active.Delete(ctx, eventID); err != nil {
			continue
		}
		// Retire the stale message, then republish so the event is
		// delivered again.
		s.consumers.ack(eventID)
		if _, err := s.js.Publish(ctx, PendingSubject(), []byte(eventID)); err != nil {
			slog.Warn("republishing expired event failed", "event_id", eventID, "error", err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// PurgeTerminal deletes completed and dead event state older than the
// retention window. It returns the number of events purged.
func (s *Store) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	keys, err := s.events.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing events: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	purged := 0
	for _, eventID := range keys {
		state, err := s.getEventState(ctx, eventID)
		if err != nil {
			continue
		}
		if !core.IsTerminalState(state.State) {
			continue
		}
		stamp := state.CompletedAt
		if state.State == core.StateDead {
			stamp = state.FailedAt
		}
		at, err := core.ParseTime(stamp)
		if err != nil || at.After(cutoff) {
			continue
		}

		if err := s.events.Delete(ctx, eventID); err != nil {
			continue
		}
		if state.State == core.StateDead {
			s.dead.Delete(ctx, eventID)
		}
		purged++
	}
	return purged, nil
}

// Ping verifies the NATS connection and JetStream availability.
func (s *Store) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("NATS connection is %s", s.nc.Status())
	}
	if _, err := s.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("JetStream unavailable: %w", err)
	}
	return nil
}

// verifyLease rejects settlement attempts whose lease ID no longer holds
// the event.
func (s *Store) verifyLease(ctx context.Context, eventID, leaseID string) error {
	data, _, err := s.active.Get(ctx, eventID)
	if err != nil {
		return core.NewLeaseExpiredError(eventID)
	}
	var record leaseRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decoding lease record for event %s: %w", eventID, err)
	}
	if record.LeaseID != leaseID {
		return core.NewLeaseExpiredError(eventID)
	}
	return nil
}

func (s *Store) getEventState(ctx context.Context, eventID string) (*eventState, error) {
	data, _, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return unmarshalEventState(data)
}

func (s *Store) putEventState(ctx context.Context, state *eventState) error {
	data, err := marshalEventState(state)
	if err != nil {
		return err
	}
	_, err = s.events.Put(ctx, state.ID, data)
	return err
}

// incrementStat bumps a per-type counter with a bounded CAS loop.
func (s *Store) incrementStat(ctx context.Context, eventType, stat string) {
	key := statsKey(eventType, stat)
	for i := 0; i < 3; i++ {
		data, rev, err := s.stats.Get(ctx, key)
		if err != nil {
			s.stats.Create(ctx, key, []byte("1"))
			return
		}
		count, _ := strconv.Atoi(string(data))
		count++
		if _, err := s.stats.Update(ctx, key, []byte(strconv.Itoa(count)), rev); err == nil {
			return
		}
	}
}

// notify publishes a best-effort lifecycle notification.
func (s *Store) notify(ctx context.Context, kind, eventID string) {
	if _, err := s.js.Publish(ctx, NotifySubject(kind), []byte(eventID)); err != nil {
		slog.Debug("lifecycle notification failed", "kind", kind, "event_id", eventID, "error", err)
	}
}
