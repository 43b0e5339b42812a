package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// consumerManager owns the shared pull consumer and tracks in-flight
// JetStream messages by event ID for later ack or term.
type consumerManager struct {
	js jetstream.JetStream

	mu       sync.Mutex
	consumer jetstream.Consumer

	inflight sync.Map // event_id -> jetstream.Msg
}

func newConsumerManager(js jetstream.JetStream) *consumerManager {
	return &consumerManager{js: js}
}

func (cm *consumerManager) getConsumer(ctx context.Context) (jetstream.Consumer, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.consumer != nil {
		return cm.consumer, nil
	}
	consumer, err := EnsureConsumer(ctx, cm.js)
	if err != nil {
		return nil, err
	}
	cm.consumer = consumer
	return consumer, nil
}

// fetch pulls up to count pending event IDs, tracking each message for
// settlement. An empty wait window yields an empty batch; anything else
// (closed connection, deleted consumer) is a hard error so the caller's
// cycle-level backoff engages.
func (cm *consumerManager) fetch(ctx context.Context, count int) ([]string, error) {
	consumer, err := cm.getConsumer(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := consumer.Fetch(count, jetstream.FetchMaxWait(100*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}

	var eventIDs []string
	for msg := range msgs.Messages() {
		eventID := string(msg.Data())
		if eventID == "" {
			msg.Ack()
			continue
		}
		cm.inflight.Store(eventID, msg)
		eventIDs = append(eventIDs, eventID)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return eventIDs, fmt.Errorf("draining batch: %w", err)
	}
	return eventIDs, nil
}

// ack acknowledges the tracked message for an event. An untracked event
// is not an error; the message may belong to another worker or a prior
// process.
func (cm *consumerManager) ack(eventID string) error {
	v, ok := cm.inflight.LoadAndDelete(eventID)
	if !ok {
		return nil
	}
	return v.(jetstream.Msg).Ack()
}

// term terminates the tracked message so it is never redelivered.
func (cm *consumerManager) term(eventID string) error {
	v, ok := cm.inflight.LoadAndDelete(eventID)
	if !ok {
		return nil
	}
	return v.(jetstream.Msg).Term()
}

// remove drops tracking without settling the message.
func (cm *consumerManager) remove(eventID string) {
	cm.inflight.Delete(eventID)
}
