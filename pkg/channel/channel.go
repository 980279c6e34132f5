package channel

import (
	"context"

	"botcore/pkg/bot"
	"botcore/pkg/event"
)

// Sink receives what an adapter reads from its transport. *bot.Bot implements it.
type Sink interface {
	Dispatch(ctx context.Context, ev event.Event) error
	Reply(ctx context.Context, req *event.SyncRequest) *event.SyncReply
	ResolveCallback(cb *event.MethodCallback) error
}

// Adapter bridges one external transport (for example Telegram) into the bot runtime.
type Adapter interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Outbound is implemented by adapters that can also carry outbound calls.
type Outbound interface {
	Transport() bot.Transport
}
