package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventDispatchReceived  EventType = "dispatch_received"
	EventDispatchCompleted EventType = "dispatch_completed"
	EventDispatchFailed    EventType = "dispatch_failed"

	EventCallbackResolved  EventType = "callback_resolved"
	EventCallbackTimeout   EventType = "callback_timeout"
	EventCallbackNotWaited EventType = "callback_not_waited"
)

type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	BotID      string            `json:"bot_id,omitempty"`
	ChatID     string            `json:"chat_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	SyncID     string            `json:"sync_id,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Publisher is the narrow view producers depend on.
type Publisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}

func (eb *EventBus) PublishEvent(ctx context.Context, event Event) bool {
	if eb == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-eb.done:
		return false
	default:
	}

	// Sends never block, so holding the read lock keeps unsubscribe and Close
	// from closing a channel mid-send.
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
			eb.dropped.Add(1)
		}
	}

	return true
}

func (eb *EventBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	eb.mu.Lock()
	select {
	case <-eb.done:
		eb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := eb.nextSubscriberID
	eb.nextSubscriberID++
	eb.subscribers[id] = ch
	eb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			eb.mu.Lock()
			if eventCh, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(eventCh)
			}
			eb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-eb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
