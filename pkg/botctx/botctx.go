// Package botctx carries the identity of the dispatch a piece of code runs under.
package botctx

import (
	"context"
	"errors"
)

var ErrNoActiveDispatchContext = errors.New("no active dispatch context")

// Scope is bound once per dispatch. It is stored by value so nested work gets a copy.
type Scope struct {
	BotID     string
	ChatID    string
	Host      string
	RequestID string

	// Bot is the handle of the runtime serving the dispatch.
	Bot any
}

type scopeContextKey struct{}

// WithScope returns a child of ctx bound to scope.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

func FromContext(ctx context.Context) (Scope, error) {
	if ctx == nil {
		return Scope{}, ErrNoActiveDispatchContext
	}
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok {
		return Scope{}, ErrNoActiveDispatchContext
	}
	return scope, nil
}

func CurrentBotID(ctx context.Context) (string, error) {
	scope, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return scope.BotID, nil
}

func CurrentChatID(ctx context.Context) (string, error) {
	scope, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	if scope.ChatID == "" {
		return "", errors.New("dispatch has no chat")
	}
	return scope.ChatID, nil
}

// Detach keeps the scope of parent but drops its cancellation, for work that
// outlives the dispatch.
func Detach(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}
