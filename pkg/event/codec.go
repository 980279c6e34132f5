package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPayload = errors.New("empty event payload")
	ErrUnknownKind  = errors.New("unknown event kind")
)

// Envelope is the transport-neutral JSON wrapper around one inbound event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses an envelope into its concrete event variant.
func Decode(data []byte) (Event, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyPayload
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var ev Event
	switch env.Kind {
	case KindMessage:
		ev = &Message{}
	case KindSystem:
		ev = &SystemEvent{}
	case KindSync:
		ev = &SyncRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return ev, nil
}

// Encode wraps an event in an envelope.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrEmptyPayload
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind(), Payload: payload})
}

// DecodeCallback parses a method callback and checks its identity.
func DecodeCallback(data []byte) (*MethodCallback, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyPayload
	}

	var cb MethodCallback
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if strings.TrimSpace(cb.SyncID) == "" {
		return nil, errors.New("callback sync_id is required")
	}
	switch cb.Status {
	case StatusOK, StatusError:
	default:
		return nil, fmt.Errorf("callback %s has invalid status %q", cb.SyncID, cb.Status)
	}
	return &cb, nil
}
