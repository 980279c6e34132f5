// Package dispatch routes inbound events through their middleware chain to user handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botcore/pkg/botctx"
	"botcore/pkg/bus"
	"botcore/pkg/event"
	"botcore/pkg/handler"
	"botcore/pkg/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoHandlerMatched = errors.New("no handler matched")
	ErrStopped          = errors.New("dispatch engine stopped")
	ErrNilEvent         = errors.New("event is nil")
)

const tracerName = "botcore/dispatch"

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithPublisher(pub bus.Publisher) Option {
	return func(e *Engine) {
		e.pub = pub
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithRecovery(r *Recovery) Option {
	return func(e *Engine) {
		if r != nil {
			e.recovery = r
		}
	}
}

// WithBotHandle sets the value exposed as botctx.Scope.Bot during dispatch.
func WithBotHandle(bot any) Option {
	return func(e *Engine) {
		e.bot = bot
	}
}

// Engine resolves events against a registry and runs them. Fire-and-forget dispatches
// are tracked until they finish so shutdown can drain them.
type Engine struct {
	registry *handler.Registry
	recovery *Recovery
	log      *slog.Logger
	pub      bus.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	bot      any

	mu       sync.Mutex
	stopped  bool
	inflight int
	tasks    sync.WaitGroup
}

func New(registry *handler.Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = handler.New()
	}
	e := &Engine{
		registry: registry,
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recovery == nil {
		e.recovery = NewRecovery(e.log)
	}
	e.log = e.log.With("component", "dispatch.engine")
	return e
}

func (e *Engine) Registry() *handler.Registry {
	return e.registry
}

func (e *Engine) Recovery() *Recovery {
	return e.recovery
}

// Dispatch runs ev in the background and returns immediately. Errors that escape the
// recovery middleware are logged.
func (e *Engine) Dispatch(ctx context.Context, ev event.Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.track() {
		return ErrStopped
	}

	// The caller's context usually ends with the webhook response.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.untrack()
		if _, err := e.handle(runCtx, ev); err != nil {
			e.log.Error("handler error unhandled",
				"kind", ev.Kind(),
				"bot_id", ev.Source().BotID,
				"chat_id", ev.Source().ChatID,
				"error", err,
			)
		}
	}()
	return nil
}

// DispatchSync runs req in the caller's goroutine and returns the handler result.
// A request without a handler fails with ErrNoHandlerMatched.
func (e *Engine) DispatchSync(ctx context.Context, req *event.SyncRequest) (any, error) {
	if req == nil {
		return nil, ErrNilEvent
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.track() {
		return nil, ErrStopped
	}
	defer e.untrack()

	return e.handle(ctx, req)
}

func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	e.tasks.Add(1)
	e.inflight++
	e.metrics.SetInflight(e.inflight)
	return true
}

func (e *Engine) untrack() {
	e.mu.Lock()
	e.inflight--
	e.metrics.SetInflight(e.inflight)
	e.mu.Unlock()
	e.tasks.Done()
}

func (e *Engine) handle(ctx context.Context, ev event.Event) (any, error) {
	origin := ev.Source()
	requestID := eventID(ev)
	kind := string(ev.Kind())

	ctx, span := e.tracer.Start(ctx, "dispatch."+kind, trace.WithAttributes(
		attribute.String("bot.id", origin.BotID),
		attribute.String("chat.id", origin.ChatID),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	entry, ok := e.registry.Lookup(ev)
	if !ok {
		return e.unmatched(ctx, ev, span)
	}
	span.SetAttributes(attribute.String("handler.kind", string(entry.Kind)), attribute.String("handler.key", entry.Key))

	ctx = botctx.WithScope(ctx, botctx.Scope{
		BotID:     origin.BotID,
		ChatID:    origin.ChatID,
		Host:      origin.Host,
		RequestID: requestID,
		Bot:       e.bot,
	})

	base := bus.Event{BotID: origin.BotID, ChatID: origin.ChatID, Kind: kind, RequestID: requestID}
	received := base
	received.Type = bus.EventDispatchReceived
	e.publish(received)

	chain := make([]handler.Middleware, 0, len(entry.Middlewares)+1)
	chain = append(chain, e.recovery.Middleware())
	chain = append(chain, entry.Middlewares...)

	start := time.Now()
	out, err := handler.Chain(entry.Handler, chain...)(ctx, ev)

	finished := base
	finished.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		finished.Type = bus.EventDispatchFailed
		finished.Error = err.Error()
		e.publish(finished)
		return nil, err
	}

	finished.Type = bus.EventDispatchCompleted
	e.publish(finished)
	return out, nil
}

func (e *Engine) unmatched(ctx context.Context, ev event.Event, span trace.Span) (any, error) {
	span.SetAttributes(attribute.Bool("handler.matched", false))

	switch ev := ev.(type) {
	case *event.SyncRequest:
		err := fmt.Errorf("%w: method %q", ErrNoHandlerMatched, ev.Method)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	case *event.Message:
		token, _ := ev.Command()
		e.log.DebugContext(ctx, "unmatched command dropped", "command", token, "bot_id", ev.Origin.BotID)
	case *event.SystemEvent:
		e.log.DebugContext(ctx, "missing system handler", "type", ev.Type, "bot_id", ev.Origin.BotID)
	}
	return nil, nil
}

// Stop refuses further dispatches. Call it before Wait.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Inflight reports how many tracked dispatches are running.
func (e *Engine) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

// Wait blocks until every tracked dispatch settles or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d dispatches: %w", e.Inflight(), ctx.Err())
	}
}

func (e *Engine) publish(ev bus.Event) {
	if e.pub == nil {
		return
	}
	e.pub.PublishEvent(context.Background(), ev)
}

func eventID(ev event.Event) string {
	var id string
	switch ev := ev.(type) {
	case *event.Message:
		id = ev.ID
	case *event.SystemEvent:
		id = ev.ID
	case *event.SyncRequest:
		id = ev.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	return id
}
