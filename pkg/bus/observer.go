package bus

import (
	"context"
	"log/slog"
)

// LogEvents writes every event to log until ctx ends or the bus closes.
func LogEvents(ctx context.Context, eb *EventBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.observer")

	events, unsubscribe := eb.SubscribeEvents(ctx, 0)
	defer unsubscribe()

	for event := range events {
		attrs := []any{
			"type", event.Type,
			"bot_id", event.BotID,
			"chat_id", event.ChatID,
		}
		if event.RequestID != "" {
			attrs = append(attrs, "request_id", event.RequestID)
		}
		if event.SyncID != "" {
			attrs = append(attrs, "sync_id", event.SyncID)
		}
		if event.DurationMS > 0 {
			attrs = append(attrs, "duration_ms", event.DurationMS)
		}

		switch event.Type {
		case EventDispatchFailed, EventCallbackNotWaited, EventCallbackTimeout:
			log.Warn("lifecycle event", append(attrs, "error", event.Error)...)
		default:
			log.Debug("lifecycle event", attrs...)
		}
	}
}
