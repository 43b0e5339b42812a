package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// stubConsumer satisfies jetstream.Consumer via the embedded interface;
// only Fetch is implemented.
type stubConsumer struct {
	jetstream.Consumer
	fetchErr error
	batch    *stubBatch
}

func (s *stubConsumer) Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.batch, nil
}

type stubBatch struct {
	err error
}

func (b *stubBatch) Messages() <-chan jetstream.Msg {
	ch := make(chan jetstream.Msg)
	close(ch)
	return ch
}

func (b *stubBatch) Error() error { return b.err }

func TestFetch_PropagatesFetchError(t *testing.T) {
	wantErr := errors.New("nats: connection closed")
	cm := &consumerManager{consumer: &stubConsumer{fetchErr: wantErr}}

	ids, err := cm.fetch(context.Background(), 5)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}

func TestFetch_PropagatesBatchError(t *testing.T) {
	wantErr := errors.New("nats: consumer deleted")
	cm := &consumerManager{consumer: &stubConsumer{batch: &stubBatch{err: wantErr}}}

	_, err := cm.fetch(context.Background(), 5)
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
}

func TestFetch_EmptyBatchIsNotAnError(t *testing.T) {
	cm := &consumerManager{consumer: &stubConsumer{batch: &stubBatch{}}}

	ids, err := cm.fetch(context.Background(), 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}

func TestFetch_TimeoutBatchErrorIsEmpty(t *testing.T) {
	cm := &consumerManager{consumer: &stubConsumer{batch: &stubBatch{err: nats.ErrTimeout}}}

	ids, err := cm.fetch(context.Background(), 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}
