package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CallbackStatus is the outcome reported by the platform for an outbound call.
type CallbackStatus string

const (
	StatusOK    CallbackStatus = "ok"
	StatusError CallbackStatus = "error"
)

// MethodCallback is the out-of-band result of an outbound call, matched by SyncID.
type MethodCallback struct {
	SyncID    string          `json:"sync_id"`
	Status    CallbackStatus  `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	ErrorData map[string]any  `json:"error_data,omitempty"`
}

// Err returns a *CallbackError when the platform reported a failure.
func (c *MethodCallback) Err() error {
	if c == nil || c.Status != StatusError {
		return nil
	}

	return &CallbackError{SyncID: c.SyncID, Reason: c.Reason, Errors: c.Errors, Data: c.ErrorData}
}

// CallbackError describes a method callback delivered with status=error.
type CallbackError struct {
	SyncID string
	Reason string
	Errors []string
	Data   map[string]any
}

func (e *CallbackError) Error() string {
	if e == nil {
		return ""
	}

	msg := fmt.Sprintf("callback %s failed: %s", e.SyncID, e.Reason)
	if len(e.Errors) > 0 {
		msg += " (" + strings.Join(e.Errors, "; ") + ")"
	}
	return msg
}

// Reply codes returned to synchronous callers.
const (
	CodeMethodNotFound = "method_not_found"
	CodeInvalidRequest = "invalid_request"
	CodeUnknownBot     = "unknown_bot"
	CodeHandlerFailed  = "handler_failed"
	CodeUnavailable    = "unavailable"
)

// SyncReply is the inline answer to a SyncRequest.
type SyncReply struct {
	ID     string         `json:"id,omitempty"`
	Status CallbackStatus `json:"status"`
	Result any            `json:"result,omitempty"`
	Error  *ReplyError    `json:"error,omitempty"`
}

// ReplyError holds structured failure information for a SyncReply.
type ReplyError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// OKReply wraps a handler result.
func OKReply(id string, result any) *SyncReply {
	return &SyncReply{ID: id, Status: StatusOK, Result: result}
}

// ErrorReply builds a failed reply.
func ErrorReply(id string, code string, message string, retryable bool) *SyncReply {
	return &SyncReply{
		ID:     id,
		Status: StatusError,
		Error:  &ReplyError{Code: code, Message: message, Retryable: retryable},
	}
}
