package callback

import "errors"

var (
	ErrCallbackNotFound = errors.New("callback not found")
	ErrCallbackTimeout  = errors.New("callback timeout")
	ErrShuttingDown     = errors.New("correlator is shutting down")
	ErrAlarmArmed       = errors.New("callback alarm already armed")
	ErrEmptyID          = errors.New("callback id is required")
	ErrNilCallback      = errors.New("callback payload is required")
)
