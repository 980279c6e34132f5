// Package handler holds the registrations that route inbound events to user code.
package handler

import (
	"context"
	"fmt"

	"botcore/pkg/event"
)

// Handler is the uniform shape every registration is adapted to. The result is only
// meaningful for sync requests.
type Handler func(ctx context.Context, ev event.Event) (any, error)

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

type (
	CommandFunc func(ctx context.Context, msg *event.Message) error
	SystemFunc  func(ctx context.Context, ev *event.SystemEvent) error
	SyncFunc    func(ctx context.Context, req *event.SyncRequest) (any, error)
)

// VisibilityFunc decides whether a visible command is listed for sender.
type VisibilityFunc func(ctx context.Context, sender event.Sender) bool

// Chain wraps h so that the first middleware is outermost and the last sits closest to h.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func adaptCommand(fn CommandFunc) Handler {
	return func(ctx context.Context, ev event.Event) (any, error) {
		msg, ok := ev.(*event.Message)
		if !ok {
			return nil, fmt.Errorf("command handler got %s event", ev.Kind())
		}
		return nil, fn(ctx, msg)
	}
}

func adaptSystem(fn SystemFunc) Handler {
	return func(ctx context.Context, ev event.Event) (any, error) {
		sys, ok := ev.(*event.SystemEvent)
		if !ok {
			return nil, fmt.Errorf("system handler got %s event", ev.Kind())
		}
		return nil, fn(ctx, sys)
	}
}

func adaptSync(fn SyncFunc) Handler {
	return func(ctx context.Context, ev event.Event) (any, error) {
		req, ok := ev.(*event.SyncRequest)
		if !ok {
			return nil, fmt.Errorf("sync handler got %s event", ev.Kind())
		}
		return fn(ctx, req)
	}
}
