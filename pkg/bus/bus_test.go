package bus

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventFanout(t *testing.T) {
	eb := New()
	t.Cleanup(eb.Close)

	ctx := context.Background()
	eventsA, unsubA := eb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := eb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventDispatchReceived, RequestID: "1"}
	if ok := eb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventDispatchReceived {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventDispatchReceived)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s event has zero timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	eb := New()
	t.Cleanup(eb.Close)

	ctx := context.Background()
	events, unsubscribe := eb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := eb.PublishEvent(ctx, Event{Type: EventDispatchReceived}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := eb.PublishEvent(ctx, Event{Type: EventDispatchCompleted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}
	if eb.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", eb.Dropped())
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	eb := New()
	t.Cleanup(eb.Close)

	ctx := context.Background()
	events, unsubscribe := eb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := eb.PublishEvent(ctx, Event{Type: EventDispatchReceived}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestCloseStopsPublishing(t *testing.T) {
	eb := New()

	events, _ := eb.SubscribeEvents(context.Background(), 1)
	eb.Close()
	eb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}

	if ok := eb.PublishEvent(context.Background(), Event{Type: EventCallbackResolved}); ok {
		t.Fatal("expected publish to fail after close")
	}
}

func TestPublishRacesUnsubscribeAndClose(t *testing.T) {
	eb := New()

	ctx := context.Background()
	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 8; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					eb.PublishEvent(ctx, Event{Type: EventDispatchCompleted})
				}
			}
		}()
	}

	for i := 0; i < 5000; i++ {
		_, unsubscribe := eb.SubscribeEvents(ctx, 16)
		unsubscribe()
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, _ := eb.SubscribeEvents(subCtx, 16)
	cancel()
	for range events {
	}

	_, _ = eb.SubscribeEvents(ctx, 16)
	eb.Close()

	close(stop)
	publishers.Wait()

	if ok := eb.PublishEvent(ctx, Event{Type: EventDispatchCompleted}); ok {
		t.Fatal("expected publish to fail after close")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var eb *EventBus
	if ok := eb.PublishEvent(context.Background(), Event{Type: EventDispatchReceived}); ok {
		t.Fatal("expected nil bus publish to report false")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogEventsWritesWarnings(t *testing.T) {
	eb := New()

	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		LogEvents(context.Background(), eb, log)
	}()

	// Subscription happens inside the goroutine; retry until it is registered.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "callback_not_waited") {
		eb.PublishEvent(context.Background(), Event{Type: EventCallbackNotWaited, SyncID: "s1", Error: "nobody waited"})
		time.Sleep(10 * time.Millisecond)
	}
	eb.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer did not stop after close")
	}

	logs := out.String()
	if !strings.Contains(logs, "level=WARN") || !strings.Contains(logs, "sync_id=s1") {
		t.Fatalf("unexpected logs: %s", logs)
	}
}
