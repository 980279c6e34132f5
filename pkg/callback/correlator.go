// Package callback correlates outbound calls with the method callbacks that later settle them.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/event"
	"botcore/pkg/metrics"
)

const DefaultTimeout = 60 * time.Second

// Option configures a Correlator.
type Option func(*Correlator)

func WithLogger(log *slog.Logger) Option {
	return func(c *Correlator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithPublisher(pub bus.Publisher) Option {
	return func(c *Correlator) {
		c.pub = pub
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Correlator) {
		c.metrics = m
	}
}

// WithDefaultTimeout is used by Await and ScheduleAlarm when they get a non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// Correlator turns asynchronous method callbacks into awaitable results.
type Correlator struct {
	store          *Store
	log            *slog.Logger
	pub            bus.Publisher
	metrics        *metrics.Metrics
	defaultTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		log:            slog.Default(),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = NewStore(c.metrics.SetPendingCallbacks)
	c.log = c.log.With("component", "callback.correlator")
	return c
}

// Create registers id. A second call before settlement is a no-op. The entry is
// released only by Await, an alarm, Discard or Shutdown, so every Create must be
// followed by one of them; a resolution alone keeps it registered for its waiter.
func (c *Correlator) Create(id string) error {
	_, err := c.add(id)
	return err
}

func (c *Correlator) add(id string) (*Pending, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}

	p, _ := c.store.Add(id)
	return p, nil
}

// Resolve settles the entry for cb.SyncID. The first resolution wins; later ones are no-ops.
// The entry stays registered until its waiter or alarm consumes it.
func (c *Correlator) Resolve(id string, cb *event.MethodCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: %s", ErrNilCallback, id)
	}

	p, ok := c.store.Get(id)
	if !ok {
		c.log.Warn("callback not found", "sync_id", id)
		return fmt.Errorf("%w: %s", ErrCallbackNotFound, id)
	}

	if !p.settle(cb, nil) {
		c.log.Debug("callback already settled", "sync_id", id)
		return nil
	}

	c.publish(bus.Event{
		Type:       bus.EventCallbackResolved,
		SyncID:     id,
		DurationMS: time.Since(p.created).Milliseconds(),
		Payload:    map[string]string{"status": string(cb.Status)},
	})
	return nil
}

// Await blocks until id is resolved, timeout elapses, ctx ends or the correlator shuts down.
// A callback reported with status=error is returned together with its *event.CallbackError.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) (*event.MethodCallback, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	if c.isClosed() {
		return nil, ErrShuttingDown
	}

	p, ok := c.store.Get(id)
	if !ok {
		if c.isClosed() {
			return nil, ErrShuttingDown
		}
		return nil, fmt.Errorf("%w: %s", ErrCallbackNotFound, id)
	}
	if p.armed() {
		return nil, fmt.Errorf("%w: %s", ErrAlarmArmed, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		c.expire(id, p, ErrCallbackTimeout)
	case <-ctx.Done():
		c.expire(id, p, ctx.Err())
	}

	c.consume(id, p)
	result, err := p.Result()
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", id, err)
	}
	return result, result.Err()
}

// expire removes the entry and rejects it unless a resolution already won.
func (c *Correlator) expire(id string, p *Pending, cause error) {
	c.consume(id, p)
	if !p.settle(nil, cause) {
		return
	}

	c.publish(bus.Event{
		Type:       bus.EventCallbackTimeout,
		SyncID:     id,
		DurationMS: time.Since(p.created).Milliseconds(),
		Error:      cause.Error(),
	})
}

func (c *Correlator) consume(id string, p *Pending) {
	c.store.Remove(id, p)
}

// ScheduleAlarm arms a timer for a call nobody awaits yet. When it fires, the entry is
// dropped and an unresolved one is reported as not waited.
func (c *Correlator) ScheduleAlarm(id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	p, err := c.add(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alarm != nil {
		return fmt.Errorf("%w: %s", ErrAlarmArmed, id)
	}
	p.deadline = time.Now().Add(timeout)
	p.alarm = time.AfterFunc(timeout, func() { c.fire(id, p) })
	return nil
}

func (c *Correlator) fire(id string, p *Pending) {
	p.mu.Lock()
	if p.alarm == nil {
		// Cancelled concurrently.
		p.mu.Unlock()
		return
	}
	p.alarm = nil
	p.mu.Unlock()

	c.consume(id, p)
	if !p.settle(nil, ErrCallbackTimeout) {
		c.log.Debug("alarm released resolved callback", "sync_id", id)
		return
	}

	c.log.Warn("callback not waited", "sync_id", id)
	c.publish(bus.Event{
		Type:       bus.EventCallbackNotWaited,
		SyncID:     id,
		DurationMS: time.Since(p.created).Milliseconds(),
		Error:      ErrCallbackTimeout.Error(),
	})
}

// CancelAlarm disarms the alarm for id so the caller can Await it instead. When
// returnRemaining is set the unused part of the alarm's budget is returned.
func (c *Correlator) CancelAlarm(id string, returnRemaining bool) (time.Duration, error) {
	p, ok := c.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCallbackNotFound, id)
	}

	remaining, ok := p.disarm()
	if !ok {
		return 0, fmt.Errorf("%w: no alarm for %s", ErrCallbackNotFound, id)
	}
	if !returnRemaining {
		return 0, nil
	}
	return remaining, nil
}

// Discard drops id without reporting it, e.g. when the outbound call itself failed.
func (c *Correlator) Discard(id string) {
	p, ok := c.store.Pop(id)
	if !ok {
		return
	}
	p.disarm()
	p.settle(nil, fmt.Errorf("%w: %s discarded", ErrCallbackNotFound, id))
}

// Pending reports how many entries are registered.
func (c *Correlator) Pending() int {
	return c.store.Len()
}

// Shutdown rejects every entry with ErrShuttingDown and refuses new work. It is idempotent.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.store.Drain()
	c.mu.Unlock()

	for _, p := range entries {
		p.disarm()
		p.settle(nil, ErrShuttingDown)
	}

	if len(entries) > 0 {
		c.log.Info("rejected pending callbacks", "count", len(entries))
	}
}

func (c *Correlator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Correlator) publish(ev bus.Event) {
	if c.pub == nil {
		return
	}
	c.pub.PublishEvent(context.Background(), ev)
}
