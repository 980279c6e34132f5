package handler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCommandName      = errors.New("invalid command name")
	ErrDuplicateHandler        = errors.New("duplicate handler")
	ErrMissingDescription      = errors.New("visible command requires a description")
	ErrDuplicateDefaultHandler = errors.New("default handler already registered")
	ErrDuplicateEventHandler   = errors.New("event handler already registered")
	ErrNilHandler              = errors.New("handler is nil")
)

// ConfigError is returned by registration calls. It unwraps to one of the sentinels above.
type ConfigError struct {
	Kind    error
	Subject string
}

func (e *ConfigError) Error() string {
	if e.Subject == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

func configError(kind error, subject string) error {
	return &ConfigError{Kind: kind, Subject: subject}
}

// MergeError lists every registration that collided during Include.
type MergeError struct {
	Collisions []string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("cannot include registry, colliding handlers: %s", strings.Join(e.Collisions, ", "))
}

func (e *MergeError) Unwrap() error {
	return ErrDuplicateHandler
}
