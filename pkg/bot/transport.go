package bot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

var ErrFilesUnsupported = errors.New("transport does not support files")

// OutboundCall is one platform method invocation.
type OutboundCall struct {
	Method  string          `json:"method"`
	BotID   string          `json:"bot_id"`
	ChatID  string          `json:"chat_id,omitempty"`
	SyncID  string          `json:"sync_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// ExpectCallback marks calls whose result may arrive later as a method callback.
	ExpectCallback bool          `json:"expect_callback,omitempty"`
	Timeout        time.Duration `json:"-"`
}

// Receipt is the immediate answer of the transport. Pending means the result will be
// delivered as a method callback carrying SyncID.
type Receipt struct {
	SyncID  string          `json:"sync_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Pending bool            `json:"pending,omitempty"`
}

// Transport issues outbound calls.
type Transport interface {
	Send(ctx context.Context, call *OutboundCall) (*Receipt, error)
}

// FileTransport is implemented by transports that can move file content.
type FileTransport interface {
	Download(ctx context.Context, botID string, fileID string, w io.Writer) error
	Upload(ctx context.Context, botID string, chatID string, name string, r io.Reader) (*Receipt, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, call *OutboundCall) (*Receipt, error)

func (f TransportFunc) Send(ctx context.Context, call *OutboundCall) (*Receipt, error) {
	return f(ctx, call)
}
