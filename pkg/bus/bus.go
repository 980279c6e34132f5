// Package bus fans lifecycle events out to observers such as the log and metrics recorders.
package bus

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

type EventBus struct {
	subscribers      map[uint64]chan Event
	nextSubscriberID uint64
	dropped          atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New() *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Done is closed once the bus stops accepting events.
func (eb *EventBus) Done() <-chan struct{} {
	return eb.done
}

func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mu.Lock()
		for id, ch := range eb.subscribers {
			close(ch)
			delete(eb.subscribers, id)
		}
		eb.mu.Unlock()
	})
}
