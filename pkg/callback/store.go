package callback

import (
	"sync"
	"time"

	"botcore/pkg/event"
)

// Pending is one in-flight correlation entry. It settles exactly once.
type Pending struct {
	id      string
	created time.Time
	done    chan struct{}
	once    sync.Once

	result *event.MethodCallback
	err    error

	mu       sync.Mutex
	alarm    *time.Timer
	deadline time.Time
}

func newPending(id string) *Pending {
	return &Pending{id: id, created: time.Now(), done: make(chan struct{})}
}

func (p *Pending) ID() string {
	return p.id
}

// Done is closed once the entry is resolved or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result is valid after Done is closed.
func (p *Pending) Result() (*event.MethodCallback, error) {
	return p.result, p.err
}

// settle reports whether this call was the one that settled the entry.
func (p *Pending) settle(result *event.MethodCallback, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

func (p *Pending) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pending) armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alarm != nil
}

// disarm stops the alarm and reports the time left before it would have fired.
func (p *Pending) disarm() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alarm == nil {
		return 0, false
	}
	p.alarm.Stop()
	p.alarm = nil

	return max(time.Until(p.deadline), 0), true
}

// Store is the keyed set of pending entries. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Pending
	onLen   func(n int)
}

// NewStore returns an empty store. onLen, when set, receives the entry count after
// every change while the store lock is held, so observers never see a stale count.
func NewStore(onLen func(n int)) *Store {
	return &Store{entries: make(map[string]*Pending), onLen: onLen}
}

func (s *Store) changed() {
	if s.onLen != nil {
		s.onLen(len(s.entries))
	}
}

// Add returns the entry for id, creating it when absent.
func (s *Store) Add(id string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.entries[id]; ok {
		return p, false
	}
	p := newPending(id)
	s.entries[id] = p
	s.changed()
	return p, true
}

func (s *Store) Get(id string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[id]
	return p, ok
}

// Remove deletes id only while it still maps to p.
func (s *Store) Remove(id string, p *Pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[id]; !ok || current != p {
		return false
	}
	delete(s.entries, id)
	s.changed()
	return true
}

func (s *Store) Pop(id string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.changed()
	}
	return p, ok
}

// Drain empties the store and returns everything it held.
func (s *Store) Drain() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pending, 0, len(s.entries))
	for id, p := range s.entries {
		out = append(out, p)
		delete(s.entries, id)
	}
	s.changed()
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
