package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/graphmesh/event-worker/internal/health"
)

type fakeMaintStore struct {
	mu          sync.Mutex
	pingErr     error
	reapCount   int
	reapReturns int
	purgeCount  int
}

func (f *fakeMaintStore) RequeueExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reapCount++
	return f.reapReturns, nil
}

func (f *fakeMaintStore) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCount++
	return 0, nil
}

func (f *fakeMaintStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeMaintStore) reaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reapCount
}

func newTestScheduler(t *testing.T, store *fakeMaintStore, monitor *health.Monitor) *Scheduler {
	t.Helper()
	s, err := New(store, monitor, 10*time.Millisecond, "0 3 * * *", 24*time.Hour)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestNew_RejectsBadCronSpec(t *testing.T) {
	_, err := New(&fakeMaintStore{}, health.New(health.Options{}), time.Second, "not a cron spec", time.Hour)
	if err == nil {
		t.Fatal("New() accepted an invalid cron expression")
	}
}

func TestScheduler_ReapsOnInterval(t *testing.T) {
	store := &fakeMaintStore{reapReturns: 2}
	monitor := health.New(health.Options{})
	s := newTestScheduler(t, store, monitor)

	s.Start()
	deadline := time.Now().Add(time.Second)
	for store.reaps() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if store.reaps() < 2 {
		t.Fatalf("reap passes = %d, want >= 2", store.reaps())
	}

	hc := monitor.HealthCheck()
	found := false
	for _, c := range hc.Components {
		if c.Name == "lease-store" && c.Status == health.StatusHealthy {
			found = true
		}
	}
	if !found {
		t.Error("lease-store component not reported healthy after reap")
	}
}

func TestScheduler_UnreachableStoreSkipsReap(t *testing.T) {
	store := &fakeMaintStore{pingErr: errors.New("nats: connection closed")}
	monitor := health.New(health.Options{})
	s := newTestScheduler(t, store, monitor)

	s.reapOnce()

	if store.reaps() != 0 {
		t.Errorf("reap ran %d times against an unreachable store, want 0", store.reaps())
	}
	hc := monitor.HealthCheck()
	for _, c := range hc.Components {
		if c.Name == "lease-store" && c.Status != health.StatusUnhealthy {
			t.Errorf("lease-store status = %s, want %s", c.Status, health.StatusUnhealthy)
		}
	}
}

func TestScheduler_PurgeOnce(t *testing.T) {
	store := &fakeMaintStore{}
	s := newTestScheduler(t, store, health.New(health.Options{}))

	s.purgeOnce()

	if store.purgeCount != 1 {
		t.Errorf("purge passes = %d, want 1", store.purgeCount)
	}
}

func TestSchedulerStop_Idempotent(t *testing.T) {
	s := &Scheduler{
		stop: make(chan struct{}),
	}

	s.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Stop should be idempotent, panicked on second call: %v", r)
		}
	}()

	s.Stop()
}
