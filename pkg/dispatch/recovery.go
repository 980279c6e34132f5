package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"botcore/pkg/event"
	"botcore/pkg/handler"
)

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// RecoveryFunc handles an error raised inside the handler chain. Returning nil
// marks the error as handled.
type RecoveryFunc func(ctx context.Context, ev event.Event, err error) error

type recoveryRule struct {
	name  string
	match func(error) bool
	fn    RecoveryFunc
}

// Recovery is the outermost middleware of every dispatch. Rules are checked in
// registration order and the first match handles the error.
type Recovery struct {
	mu    sync.RWMutex
	rules []recoveryRule
	log   *slog.Logger
}

func NewRecovery(log *slog.Logger) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{log: log.With("component", "dispatch.recovery")}
}

// On handles errors for which errors.Is(err, target) holds.
func (r *Recovery) On(target error, fn RecoveryFunc) *Recovery {
	return r.add(recoveryRule{
		name:  target.Error(),
		match: func(err error) bool { return errors.Is(err, target) },
		fn:    fn,
	})
}

// OnType handles errors for which errors.As finds a T in the chain.
func OnType[T error](r *Recovery, fn RecoveryFunc) *Recovery {
	return r.add(recoveryRule{
		name: fmt.Sprintf("%T", *new(T)),
		match: func(err error) bool {
			var target T
			return errors.As(err, &target)
		},
		fn: fn,
	})
}

// OnAny handles every error that reached it without an earlier match.
func (r *Recovery) OnAny(fn RecoveryFunc) *Recovery {
	return r.add(recoveryRule{name: "any", match: func(error) bool { return true }, fn: fn})
}

func (r *Recovery) add(rule recoveryRule) *Recovery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return r
}

func (r *Recovery) find(err error) (recoveryRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.match(err) {
			return rule, true
		}
	}
	return recoveryRule{}, false
}

func (r *Recovery) Middleware() handler.Middleware {
	return func(next handler.Handler) handler.Handler {
		return func(ctx context.Context, ev event.Event) (any, error) {
			out, err := protect(ctx, ev, next)
			if err == nil {
				return out, nil
			}

			rule, ok := r.find(err)
			if !ok {
				return out, err
			}
			if recoverErr := rule.run(ctx, ev, err); recoverErr != nil {
				r.log.Error("recovery handler failed",
					"rule", rule.name,
					"kind", ev.Kind(),
					"error", err,
					"recovery_error", recoverErr,
				)
				return nil, recoverErr
			}

			r.log.Debug("handler error recovered", "rule", rule.name, "kind", ev.Kind(), "error", err)
			return nil, nil
		}
	}
}

// run calls the rule, turning a panic inside it into a *PanicError.
func (rule recoveryRule) run(ctx context.Context, ev event.Event, cause error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return rule.fn(ctx, ev, cause)
}

func protect(ctx context.Context, ev event.Event, next handler.Handler) (out any, err error) {
	defer func() {
		if v := recover(); v != nil {
			out = nil
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return next(ctx, ev)
}
