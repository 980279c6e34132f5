package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"botcore/pkg/bot"
	"botcore/pkg/callback"
	"botcore/pkg/dispatch"
	"botcore/pkg/event"
	"botcore/pkg/handler"
)

// commandRegistry wires the built-in handlers served by the gateway.
func commandRegistry() (*handler.Registry, error) {
	reg := handler.New()

	err := errors.Join(
		reg.Command("/help", helpCommand, handler.CommandSpec{Description: "List available commands"}),
		reg.Command("/echo", echoCommand, handler.CommandSpec{Description: "Repeat the text after the command"}),
		reg.Command("/status", statusCommand, handler.CommandSpec{
			Description: "Show runtime counters",
			VisibleWhen: func(_ context.Context, sender event.Sender) bool { return sender.IsAdmin },
		}),
		reg.Default(func(ctx context.Context, msg *event.Message) error {
			slog.Default().Debug("Ignoring unknown command", "component", "cmd.handlers", "body", msg.Body)
			return nil
		}),
		reg.SystemEvent(event.SystemAddedToChat, greetChat),
		reg.SystemEvent(event.SystemChatCreated, greetChat),
		reg.SyncEvent("ping", func(context.Context, *event.SyncRequest) (any, error) {
			return "pong", nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// recoveryRules turns expected handler failures into log lines instead of unhandled errors.
func recoveryRules(log *slog.Logger) *dispatch.Recovery {
	recovery := dispatch.NewRecovery(log)
	recovery.On(callback.ErrCallbackTimeout, func(_ context.Context, ev event.Event, err error) error {
		log.Warn("Reply was not confirmed in time", "kind", ev.Kind(), "error", err)
		return nil
	})
	dispatch.OnType[*dispatch.PanicError](recovery, func(_ context.Context, ev event.Event, err error) error {
		log.Error("Handler panicked", "kind", ev.Kind(), "error", err)
		return nil
	})
	return recovery
}

func helpCommand(ctx context.Context, msg *event.Message) error {
	b, err := bot.FromContext(ctx)
	if err != nil {
		return err
	}

	lines := make([]string, 0, 4)
	for _, item := range b.Menu(ctx, msg.Sender) {
		lines = append(lines, fmt.Sprintf("%s - %s", item.Command, item.Description))
	}
	_, err = b.Answer(ctx, strings.Join(lines, "\n"))
	return err
}

func echoCommand(ctx context.Context, msg *event.Message) error {
	b, err := bot.FromContext(ctx)
	if err != nil {
		return err
	}

	_, args := msg.Command()
	if args == "" {
		args = "Usage: /echo <text>"
	}
	_, err = b.Answer(ctx, args)
	return err
}

func statusCommand(ctx context.Context, _ *event.Message) error {
	b, err := bot.FromContext(ctx)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("inflight: %d\npending callbacks: %d", b.Engine().Inflight(), b.Correlator().Pending())
	_, err = b.Answer(ctx, text)
	return err
}

func greetChat(ctx context.Context, ev *event.SystemEvent) error {
	b, err := bot.FromContext(ctx)
	if err != nil {
		return err
	}
	_, err = b.Answer(ctx, "Hello! Send /help to see what I can do.")
	return err
}
