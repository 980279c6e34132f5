// Package bot is the runtime facade: it owns the dispatch engine, the callback
// correlator and the transport, and exposes them to handlers.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"botcore/pkg/botctx"
	"botcore/pkg/bus"
	"botcore/pkg/callback"
	"botcore/pkg/config"
	"botcore/pkg/dispatch"
	"botcore/pkg/event"
	"botcore/pkg/handler"
	"botcore/pkg/metrics"
	"botcore/pkg/spool"
)

var (
	ErrUnknownBot   = errors.New("unknown bot")
	ErrNoTransport  = errors.New("no transport configured")
	ErrShuttingDown = errors.New("bot is shutting down")

	// ErrReceiptMismatch reports a pending receipt that no registered callback can settle.
	ErrReceiptMismatch = errors.New("pending receipt does not match the registered sync id")
)

// MethodSendMessage is the outbound method used by Answer and SendMessage.
const MethodSendMessage = "send_message"

// Option configures a Bot.
type Option func(*Bot)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bot) {
		if log != nil {
			b.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) {
		b.metrics = m
	}
}

// WithEventBus publishes lifecycle events to eb. The caller keeps ownership of eb.
func WithEventBus(eb *bus.EventBus) Option {
	return func(b *Bot) {
		if eb != nil {
			b.events = eb
			b.ownsEvents = false
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bot) {
		b.tracer = tracer
	}
}

func WithRecovery(r *dispatch.Recovery) Option {
	return func(b *Bot) {
		b.recovery = r
	}
}

func WithCallbackTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.callbackTimeout = d
		}
	}
}

func WithSpool(cfg config.SpoolConfig) Option {
	return func(b *Bot) {
		b.spool = cfg
	}
}

// Bot serves one or more bot accounts.
type Bot struct {
	accounts        map[string]config.BotAccount
	registry        *handler.Registry
	engine          *dispatch.Engine
	correlator      *callback.Correlator
	transport       Transport
	events          *bus.EventBus
	ownsEvents      bool
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	recovery        *dispatch.Recovery
	log             *slog.Logger
	callbackTimeout time.Duration
	spool           config.SpoolConfig

	transportMu  sync.RWMutex
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(accounts []config.BotAccount, registry *handler.Registry, transport Transport, opts ...Option) (*Bot, error) {
	if len(accounts) == 0 {
		return nil, errors.New("at least one bot account is required")
	}
	if registry == nil {
		return nil, errors.New("handler registry is required")
	}

	b := &Bot{
		accounts:        make(map[string]config.BotAccount, len(accounts)),
		registry:        registry,
		transport:       transport,
		events:          bus.New(),
		ownsEvents:      true,
		log:             slog.Default(),
		callbackTimeout: callback.DefaultTimeout,
		spool:           config.SpoolConfig{ThresholdBytes: spool.DefaultThreshold},
	}
	for _, account := range accounts {
		if strings.TrimSpace(account.ID) == "" {
			return nil, errors.New("bot account id is required")
		}
		if _, dup := b.accounts[account.ID]; dup {
			return nil, fmt.Errorf("duplicate bot account %q", account.ID)
		}
		b.accounts[account.ID] = account
	}
	for _, opt := range opts {
		opt(b)
	}

	b.log = b.log.With("component", "bot")
	b.correlator = callback.NewCorrelator(
		callback.WithLogger(b.log),
		callback.WithPublisher(b.events),
		callback.WithMetrics(b.metrics),
		callback.WithDefaultTimeout(b.callbackTimeout),
	)

	engineOpts := []dispatch.Option{
		dispatch.WithLogger(b.log),
		dispatch.WithPublisher(b.events),
		dispatch.WithMetrics(b.metrics),
		dispatch.WithRecovery(b.recovery),
		dispatch.WithBotHandle(b),
	}
	if b.tracer != nil {
		engineOpts = append(engineOpts, dispatch.WithTracer(b.tracer))
	}
	b.engine = dispatch.New(registry, engineOpts...)

	return b, nil
}

// FromContext returns the Bot serving the current dispatch.
func FromContext(ctx context.Context) (*Bot, error) {
	scope, err := botctx.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := scope.Bot.(*Bot)
	if !ok || b == nil {
		return nil, botctx.ErrNoActiveDispatchContext
	}
	return b, nil
}

func (b *Bot) Account(id string) (config.BotAccount, bool) {
	account, ok := b.accounts[id]
	return account, ok
}

// AccountIDs returns the configured bot ids.
func (b *Bot) AccountIDs() []string {
	ids := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bot) Events() *bus.EventBus {
	return b.events
}

func (b *Bot) Engine() *dispatch.Engine {
	return b.engine
}

func (b *Bot) Correlator() *callback.Correlator {
	return b.correlator
}

// SetTransport replaces the outbound transport, e.g. once an adapter connects.
func (b *Bot) SetTransport(t Transport) {
	b.transportMu.Lock()
	defer b.transportMu.Unlock()
	b.transport = t
}

func (b *Bot) currentTransport() (Transport, error) {
	b.transportMu.RLock()
	defer b.transportMu.RUnlock()
	if b.transport == nil {
		return nil, ErrNoTransport
	}
	return b.transport, nil
}

func (b *Bot) checkOrigin(origin event.Origin) error {
	if _, ok := b.accounts[origin.BotID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBot, origin.BotID)
	}
	return nil
}

// Dispatch hands ev to the engine without waiting for the handler.
func (b *Bot) Dispatch(ctx context.Context, ev event.Event) error {
	if ev == nil {
		return dispatch.ErrNilEvent
	}
	if err := b.checkOrigin(ev.Source()); err != nil {
		return err
	}
	if err := b.engine.Dispatch(ctx, ev); err != nil {
		if errors.Is(err, dispatch.ErrStopped) {
			return ErrShuttingDown
		}
		return err
	}
	return nil
}

// DispatchSync runs a sync request and returns the handler result.
func (b *Bot) DispatchSync(ctx context.Context, req *event.SyncRequest) (any, error) {
	if req == nil {
		return nil, dispatch.ErrNilEvent
	}
	if err := b.checkOrigin(req.Origin); err != nil {
		return nil, err
	}
	out, err := b.engine.DispatchSync(ctx, req)
	if errors.Is(err, dispatch.ErrStopped) {
		return nil, ErrShuttingDown
	}
	return out, err
}

// Reply runs req and renders the outcome as a wire reply.
func (b *Bot) Reply(ctx context.Context, req *event.SyncRequest) *event.SyncReply {
	id := ""
	if req != nil {
		id = req.ID
	}

	out, err := b.DispatchSync(ctx, req)
	switch {
	case err == nil:
		return event.OKReply(id, out)
	case errors.Is(err, dispatch.ErrNoHandlerMatched):
		return event.ErrorReply(id, event.CodeMethodNotFound, err.Error(), false)
	case errors.Is(err, ErrUnknownBot):
		return event.ErrorReply(id, event.CodeUnknownBot, err.Error(), false)
	case errors.Is(err, ErrShuttingDown):
		return event.ErrorReply(id, event.CodeUnavailable, err.Error(), true)
	case errors.Is(err, dispatch.ErrNilEvent):
		return event.ErrorReply(id, event.CodeInvalidRequest, err.Error(), false)
	default:
		return event.ErrorReply(id, event.CodeHandlerFailed, err.Error(), false)
	}
}

// ResolveCallback settles the outbound call identified by cb.SyncID.
func (b *Bot) ResolveCallback(cb *event.MethodCallback) error {
	if cb == nil {
		return errors.New("callback is nil")
	}
	return b.correlator.Resolve(cb.SyncID, cb)
}

// Call issues call and waits for its result. Calls expecting a callback block until the
// callback arrives or the timeout elapses.
func (b *Bot) Call(ctx context.Context, call *OutboundCall) (json.RawMessage, error) {
	receipt, err := b.issue(ctx, call, false)
	if err != nil {
		return nil, err
	}
	if !receipt.Pending {
		return receipt.Result, nil
	}

	cb, err := b.correlator.Await(ctx, receipt.SyncID, b.timeoutFor(call))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Method, err)
	}
	return cb.Result, nil
}

// CallAsync issues call and returns its sync id without waiting. An alarm reclaims the
// entry if nobody waits before the timeout.
func (b *Bot) CallAsync(ctx context.Context, call *OutboundCall) (string, error) {
	receipt, err := b.issue(ctx, call, true)
	if err != nil {
		return "", err
	}
	return receipt.SyncID, nil
}

// WaitCallback waits for a call made with CallAsync within what is left of its timeout.
func (b *Bot) WaitCallback(ctx context.Context, syncID string) (json.RawMessage, error) {
	remaining, err := b.correlator.CancelAlarm(syncID, true)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		remaining = time.Nanosecond
	}

	cb, err := b.correlator.Await(ctx, syncID, remaining)
	if err != nil {
		return nil, err
	}
	return cb.Result, nil
}

func (b *Bot) timeoutFor(call *OutboundCall) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	return b.callbackTimeout
}

func (b *Bot) issue(ctx context.Context, call *OutboundCall, async bool) (*Receipt, error) {
	if call == nil || call.Method == "" {
		return nil, errors.New("outbound call requires a method")
	}
	if _, ok := b.accounts[call.BotID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBot, call.BotID)
	}
	transport, err := b.currentTransport()
	if err != nil {
		return nil, err
	}

	if async {
		call.ExpectCallback = true
	}
	if call.ExpectCallback && call.SyncID == "" {
		call.SyncID = uuid.NewString()
	}

	// Register before sending: the callback may arrive before Send returns.
	if call.ExpectCallback {
		if async {
			err = b.correlator.ScheduleAlarm(call.SyncID, b.timeoutFor(call))
		} else {
			err = b.correlator.Create(call.SyncID)
		}
		if err != nil {
			return nil, err
		}
	}

	receipt, err := transport.Send(ctx, call)
	if err != nil {
		if call.ExpectCallback {
			b.correlator.Discard(call.SyncID)
		}
		return nil, fmt.Errorf("send %s: %w", call.Method, err)
	}
	if receipt == nil {
		receipt = &Receipt{}
	}
	if receipt.SyncID == "" {
		receipt.SyncID = call.SyncID
	}
	if receipt.Pending && (!call.ExpectCallback || receipt.SyncID != call.SyncID) {
		if call.ExpectCallback {
			b.correlator.Discard(call.SyncID)
		}
		return nil, fmt.Errorf("send %s: %w: registered %q, got %q", call.Method, ErrReceiptMismatch, call.SyncID, receipt.SyncID)
	}

	if call.ExpectCallback && !receipt.Pending {
		if async {
			// Settled immediately; WaitCallback still finds the result.
			_ = b.correlator.Resolve(call.SyncID, &event.MethodCallback{
				SyncID: call.SyncID,
				Status: event.StatusOK,
				Result: receipt.Result,
			})
		} else {
			b.correlator.Discard(call.SyncID)
		}
	}
	return receipt, nil
}

// SendMessage sends text to chatID on behalf of botID.
func (b *Bot) SendMessage(ctx context.Context, botID string, chatID string, text string) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return nil, err
	}
	return b.Call(ctx, &OutboundCall{
		Method:         MethodSendMessage,
		BotID:          botID,
		ChatID:         chatID,
		Payload:        payload,
		ExpectCallback: true,
	})
}

// Answer replies in the chat of the dispatch bound to ctx.
func (b *Bot) Answer(ctx context.Context, text string) (json.RawMessage, error) {
	scope, err := botctx.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if scope.ChatID == "" {
		return nil, errors.New("answer: dispatch has no chat")
	}
	return b.SendMessage(ctx, scope.BotID, scope.ChatID, text)
}

// WithSpooledBuffer runs fn with a buffer that is closed on every return path.
func (b *Bot) WithSpooledBuffer(fn func(*spool.Buffer) error) error {
	return spool.With(b.spool.ThresholdBytes, fn,
		spool.WithDir(b.spool.Dir),
		spool.OnSpill(func(path string) {
			b.metrics.SpoolSpilled()
			b.log.Debug("spooled buffer moved to disk", "path", path)
		}),
	)
}

func (b *Bot) fileTransport() (FileTransport, error) {
	transport, err := b.currentTransport()
	if err != nil {
		return nil, err
	}
	files, ok := transport.(FileTransport)
	if !ok {
		return nil, ErrFilesUnsupported
	}
	return files, nil
}

// DownloadFile streams a file into a spooled buffer and hands it to fn positioned at 0.
func (b *Bot) DownloadFile(ctx context.Context, botID string, fileID string, fn func(io.ReadSeeker) error) error {
	if _, ok := b.accounts[botID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBot, botID)
	}
	files, err := b.fileTransport()
	if err != nil {
		return err
	}

	return b.WithSpooledBuffer(func(buf *spool.Buffer) error {
		if err := files.Download(ctx, botID, fileID, buf); err != nil {
			return fmt.Errorf("download %s: %w", fileID, err)
		}
		if _, err := buf.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return fn(buf)
	})
}

// UploadFile sends the content of r to chatID.
func (b *Bot) UploadFile(ctx context.Context, botID string, chatID string, name string, r io.Reader) (*Receipt, error) {
	if _, ok := b.accounts[botID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBot, botID)
	}
	files, err := b.fileTransport()
	if err != nil {
		return nil, err
	}
	receipt, err := files.Upload(ctx, botID, chatID, name, r)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	return receipt, nil
}

// Menu lists the commands visible to sender.
func (b *Bot) Menu(ctx context.Context, sender event.Sender) []handler.MenuItem {
	return b.registry.Menu(ctx, sender)
}

// Ready reports whether the bot still accepts dispatches.
func (b *Bot) Ready() bool {
	return !b.engine.Stopped()
}

// Shutdown stops accepting dispatches, waits for tracked ones, rejects pending
// callbacks and closes the event bus it owns. Later calls return the first result.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.engine.Stop()
		if err := b.engine.Wait(ctx); err != nil {
			b.log.Warn("dispatches still running at shutdown", "error", err)
			b.shutdownErr = err
		}
		b.correlator.Shutdown()
		if b.ownsEvents {
			b.events.Close()
		}
		b.log.Info("bot stopped")
	})
	return b.shutdownErr
}
