// Package natsbridge carries bot events, sync requests, method callbacks and outbound
// calls over NATS subjects.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"botcore/pkg/bot"
	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/event"
)

const (
	channelName    = "nats"
	requestTimeout = 10 * time.Second
)

// Subjects are derived from a prefix: <prefix>.events, <prefix>.rpc, <prefix>.callbacks
// and <prefix>.outbound.<method>.
type Subjects struct {
	Events    string
	RPC       string
	Callbacks string
	Outbound  string
}

func SubjectsFor(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "botcore"
	}
	return Subjects{
		Events:    prefix + ".events",
		RPC:       prefix + ".rpc",
		Callbacks: prefix + ".callbacks",
		Outbound:  prefix + ".outbound",
	}
}

// OutboundSubject is where calls for method are published.
func (s Subjects) OutboundSubject(method string) string {
	return s.Outbound + "." + method
}

type Bridge struct {
	nc       *nats.Conn
	subjects Subjects
	log      *slog.Logger
	ownsConn bool

	ready     chan struct{}
	readyOnce sync.Once
}

// Connect dials the configured server and returns a bridge owning the connection.
func Connect(cfg config.NATSConfig, log *slog.Logger) (*Bridge, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	b := New(nc, cfg.SubjectPrefix, log)
	b.ownsConn = true
	return b, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, prefix string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default().With("component", "channel.nats")
	}
	return &Bridge{
		nc:       nc,
		subjects: SubjectsFor(prefix),
		log:      log,
		ready:    make(chan struct{}),
	}
}

func (b *Bridge) Name() string {
	return channelName
}

func (b *Bridge) Subjects() Subjects {
	return b.subjects
}

func (b *Bridge) Transport() bot.Transport {
	return b
}

// Ready is closed once Run has subscribed.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the inbound subjects and blocks until ctx ends.
func (b *Bridge) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	handlers := map[string]nats.MsgHandler{
		b.subjects.Events:    func(msg *nats.Msg) { b.handleEvent(ctx, sink, msg) },
		b.subjects.RPC:       func(msg *nats.Msg) { b.handleRPC(ctx, sink, msg) },
		b.subjects.Callbacks: func(msg *nats.Msg) { b.handleCallback(sink, msg) },
	}

	subs := make([]*nats.Subscription, 0, len(handlers))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for subject, handle := range handlers {
		sub, err := b.nc.Subscribe(subject, handle)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	b.log.Info("NATS channel started", "events", b.subjects.Events, "rpc", b.subjects.RPC, "callbacks", b.subjects.Callbacks)
	b.readyOnce.Do(func() { close(b.ready) })

	<-ctx.Done()
	return nil
}

func (b *Bridge) handleEvent(ctx context.Context, sink channel.Sink, msg *nats.Msg) {
	ev, err := event.Decode(msg.Data)
	if err != nil {
		b.log.Warn("Dropping undecodable event", "subject", msg.Subject, "error", err)
		return
	}
	if err := sink.Dispatch(ctx, ev); err != nil {
		b.log.Error("Failed to dispatch event", "subject", msg.Subject, "error", err)
	}
}

func (b *Bridge) handleRPC(ctx context.Context, sink channel.Sink, msg *nats.Msg) {
	var reply *event.SyncReply

	var req event.SyncRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Method == "" {
		reply = event.ErrorReply(req.ID, event.CodeInvalidRequest, "sync request must be JSON with a method", false)
	} else {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		reply = sink.Reply(reqCtx, &req)
		cancel()
	}

	data, err := json.Marshal(reply)
	if err != nil {
		b.log.Error("Failed to encode sync reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("Failed to respond to sync request", "subject", msg.Subject, "error", err)
	}
}

func (b *Bridge) handleCallback(sink channel.Sink, msg *nats.Msg) {
	cb, err := event.DecodeCallback(msg.Data)
	if err != nil {
		b.log.Warn("Dropping undecodable callback", "error", err)
		return
	}
	// Not-found callbacks are already logged by the correlator.
	_ = sink.ResolveCallback(cb)
}

// Send implements bot.Transport. Calls expecting a callback are published and left pending;
// other calls use request/reply and return the responder's result.
func (b *Bridge) Send(ctx context.Context, call *bot.OutboundCall) (*bot.Receipt, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode outbound call: %w", err)
	}
	subject := b.subjects.OutboundSubject(call.Method)

	if call.ExpectCallback {
		if err := b.nc.Publish(subject, data); err != nil {
			return nil, fmt.Errorf("publish %s: %w", subject, err)
		}
		return &bot.Receipt{SyncID: call.SyncID, Pending: true}, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var receipt bot.Receipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt from %s: %w", subject, err)
	}
	return &receipt, nil
}

// Close drains the connection when the bridge owns it.
func (b *Bridge) Close() error {
	if !b.ownsConn {
		return nil
	}
	return b.nc.Drain()
}
