package event

import (
	"errors"
	"strings"
	"testing"
)

func TestMessageCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body  string
		token string
		args  string
	}{
		{body: "/foo bar baz", token: "/foo", args: "bar baz"},
		{body: "/foo", token: "/foo", args: ""},
		{body: "  /foo\tbar ", token: "/foo", args: "bar"},
		{body: "hello world", token: "hello", args: "world"},
		{body: "", token: "", args: ""},
	}

	for _, tc := range cases {
		msg := &Message{Body: tc.body}
		token, args := msg.Command()
		if token != tc.token || args != tc.args {
			t.Fatalf("Command(%q) = (%q, %q), want (%q, %q)", tc.body, token, args, tc.token, tc.args)
		}
	}
}

func TestDecodeVariants(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"kind":"message","payload":{"id":"1","origin":{"bot_id":"b1","chat_id":"c1"},"body":"/start"}}`))
	if err != nil {
		t.Fatalf("Decode message error: %v", err)
	}
	msg, ok := ev.(*Message)
	if !ok {
		t.Fatalf("Decode message type = %T, want *Message", ev)
	}
	if msg.Source().BotID != "b1" || msg.Body != "/start" {
		t.Fatalf("decoded message = %+v", msg)
	}

	ev, err = Decode([]byte(`{"kind":"system","payload":{"type":"system:chat_created","origin":{"bot_id":"b1"}}}`))
	if err != nil {
		t.Fatalf("Decode system error: %v", err)
	}
	if sys, ok := ev.(*SystemEvent); !ok || sys.Type != SystemChatCreated {
		t.Fatalf("decoded system event = %#v", ev)
	}

	ev, err = Decode([]byte(`{"kind":"sync","payload":{"id":"r1","method":"ping","origin":{"bot_id":"b1"}}}`))
	if err != nil {
		t.Fatalf("Decode sync error: %v", err)
	}
	if req, ok := ev.(*SyncRequest); !ok || req.Method != "ping" || req.Kind() != KindSync {
		t.Fatalf("decoded sync request = %#v", ev)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"kind":"weird","payload":{}}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("error = %v, want ErrUnknownKind", err)
	}
	if _, err := Decode([]byte("  ")); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("error = %v, want ErrEmptyPayload", err)
	}
}

func TestEncodeDecodeKeepsKind(t *testing.T) {
	t.Parallel()

	data, err := Encode(&SystemEvent{Type: SystemAddedToChat, Origin: Origin{BotID: "b"}})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Kind() != KindSystem {
		t.Fatalf("kind = %q, want %q", ev.Kind(), KindSystem)
	}
}

func TestDecodeCallback(t *testing.T) {
	t.Parallel()

	cb, err := DecodeCallback([]byte(`{"sync_id":"s1","status":"error","reason":"chat_not_found","errors":["no chat"]}`))
	if err != nil {
		t.Fatalf("DecodeCallback error: %v", err)
	}

	var callbackErr *CallbackError
	if !errors.As(cb.Err(), &callbackErr) {
		t.Fatalf("Err() = %v, want *CallbackError", cb.Err())
	}
	if callbackErr.Reason != "chat_not_found" {
		t.Fatalf("reason = %q, want chat_not_found", callbackErr.Reason)
	}
	if !strings.Contains(callbackErr.Error(), "no chat") {
		t.Fatalf("error text = %q, want detail", callbackErr.Error())
	}

	if _, err := DecodeCallback([]byte(`{"status":"ok"}`)); err == nil {
		t.Fatal("expected error for missing sync_id")
	}
	if _, err := DecodeCallback([]byte(`{"sync_id":"s","status":"maybe"}`)); err == nil {
		t.Fatal("expected error for invalid status")
	}

	ok := &MethodCallback{SyncID: "s2", Status: StatusOK}
	if ok.Err() != nil {
		t.Fatalf("Err() = %v, want nil", ok.Err())
	}
}
