package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/runner"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(TaskCompletedEvent{ID: "t1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.TaskID() != "t1" || ev.EventType() != EventTypeTaskCompleted {
				t.Errorf("subscriber %s got wrong event: %v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish(TaskCompletedEvent{ID: "t1"})
		bus.Publish(TaskCompletedEvent{ID: "t2"}) // buffer full, dropped
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := <-ch
	if ev.TaskID() != "t1" {
		t.Errorf("expected first event retained, got %s", ev.TaskID())
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event: %v", ev)
	default:
	}
}

func TestBusCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}

	// Operations on a closed bus are safe no-ops.
	bus.Publish(TaskCompletedEvent{ID: "late"})
	if _, ok := <-bus.Subscribe(1); ok {
		t.Error("subscription after close should be a closed channel")
	}
}

func TestBusNotifierEventTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe(2)

	n := NewBusNotifier(bus)
	ctx := context.Background()

	if err := n.Notify(ctx, runner.Notification{TaskID: "ok", Success: true, ResultPath: "/out/ok.json", TokenUsage: 7}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(ctx, runner.Notification{TaskID: "bad", ErrorMessage: "boom"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	ev := <-ch
	completed, ok := ev.(TaskCompletedEvent)
	if !ok || completed.ID != "ok" || completed.ResultPath != "/out/ok.json" || completed.TokenUsage != 7 {
		t.Errorf("completed event mismatch: %#v", ev)
	}

	ev = <-ch
	failed, ok := ev.(TaskFailedEvent)
	if !ok || failed.ID != "bad" || failed.ErrorMessage != "boom" {
		t.Errorf("failed event mismatch: %#v", ev)
	}
}

// flakyNotifier fails the first failures calls, then succeeds.
type flakyNotifier struct {
	failures int32
	calls    atomic.Int32
}

func (n *flakyNotifier) Notify(ctx context.Context, note runner.Notification) error {
	if n.calls.Add(1) <= n.failures {
		return errors.New("delivery refused")
	}
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         10 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestResilientRetriesUntilSuccess(t *testing.T) {
	inner := &flakyNotifier{failures: 2}
	r := NewResilient(inner, fastRetry())

	if err := r.Notify(context.Background(), runner.Notification{TaskID: "t1"}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestResilientGivesUpAfterMaxElapsed(t *testing.T) {
	inner := &flakyNotifier{failures: 1 << 30}
	r := NewResilient(inner, fastRetry())

	start := time.Now()
	err := r.Notify(context.Background(), runner.Notification{TaskID: "t1"})
	if err == nil {
		t.Fatal("expected error from persistently failing notifier")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("gave up too slowly: %s", time.Since(start))
	}
	if inner.calls.Load() < 2 {
		t.Errorf("expected multiple attempts, got %d", inner.calls.Load())
	}
}

func TestResilientStopsOnCancelledContext(t *testing.T) {
	inner := &flakyNotifier{failures: 1 << 30}
	r := NewResilient(inner, fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Notify(ctx, runner.Notification{TaskID: "t1"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if inner.calls.Load() != 0 {
		t.Errorf("expected no delivery attempts after cancellation, got %d", inner.calls.Load())
	}
}

func TestResilientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyNotifier{failures: 1 << 30}
	r := NewResilient(inner, fastRetry())

	ctx := context.Background()
	// Each call retries until its elapsed budget runs out, racking up
	// consecutive failures on the shared breaker.
	for i := 0; i < 3; i++ {
		r.Notify(ctx, runner.Notification{TaskID: "t1"})
	}

	before := inner.calls.Load()
	start := time.Now()
	err := r.Notify(ctx, runner.Notification{TaskID: "t1"})
	if err == nil {
		t.Fatal("expected error from open breaker")
	}
	// With the breaker open the inner notifier is no longer reached and
	// the failure is immediate rather than retried to the time budget.
	if inner.calls.Load() != before {
		t.Errorf("inner notifier reached through open breaker: %d extra calls", inner.calls.Load()-before)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("open breaker should fail fast, took %s", time.Since(start))
	}
}
