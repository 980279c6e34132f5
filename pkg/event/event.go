// Package event defines the closed set of inbound events the runtime dispatches.
package event

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Kind tags one variant of Event.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
	KindSync    Kind = "sync"
)

// Event is implemented only by *Message, *SystemEvent and *SyncRequest.
type Event interface {
	Kind() Kind
	Source() Origin
	sealed()
}

// Origin identifies which bot account received an event and in which chat.
type Origin struct {
	BotID  string `json:"bot_id"`
	ChatID string `json:"chat_id,omitempty"`
	Host   string `json:"host,omitempty"`
}

// Sender describes the user who produced an event.
type Sender struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	ChatType string `json:"chat_type,omitempty"`
}

// Attachment references a file carried by a message.
type Attachment struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a user message; command-shaped bodies start with "/token".
type Message struct {
	ID         string            `json:"id"`
	Origin     Origin            `json:"origin"`
	Sender     Sender            `json:"sender"`
	Body       string            `json:"body"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Attachment *Attachment       `json:"attachment,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m *Message) Kind() Kind     { return KindMessage }
func (m *Message) Source() Origin { return m.Origin }
func (m *Message) sealed()        {}

// Command splits the body into its first whitespace-delimited token and the remainder.
func (m *Message) Command() (token string, args string) {
	body := strings.TrimLeftFunc(m.Body, unicode.IsSpace)
	idx := strings.IndexFunc(body, unicode.IsSpace)
	if idx < 0 {
		return body, ""
	}

	return body[:idx], strings.TrimSpace(body[idx:])
}

// SystemEventType names a platform notification.
type SystemEventType string

const (
	SystemChatCreated       SystemEventType = "system:chat_created"
	SystemAddedToChat       SystemEventType = "system:added_to_chat"
	SystemDeletedFromChat   SystemEventType = "system:deleted_from_chat"
	SystemLeftFromChat      SystemEventType = "system:left_from_chat"
	SystemUserJoinedToChat  SystemEventType = "system:user_joined_to_chat"
	SystemLogin             SystemEventType = "system:cts_login"
	SystemLogout            SystemEventType = "system:cts_logout"
	SystemInternalBotNotice SystemEventType = "system:internal_bot_notification"
	SystemEventEdit         SystemEventType = "system:event_edit"
	SystemSmartAppEvent     SystemEventType = "system:smartapp_event"
)

// SystemEvent is a platform notification keyed by its exact type.
type SystemEvent struct {
	ID     string          `json:"id"`
	Type   SystemEventType `json:"type"`
	Origin Origin          `json:"origin"`
	Sender Sender          `json:"sender"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (e *SystemEvent) Kind() Kind     { return KindSystem }
func (e *SystemEvent) Source() Origin { return e.Origin }
func (e *SystemEvent) sealed()        {}

// SyncMethod names a synchronous RPC method.
type SyncMethod string

// SyncRequest is an RPC-style event whose caller waits for an inline reply.
type SyncRequest struct {
	ID     string          `json:"id"`
	Method SyncMethod      `json:"method"`
	Origin Origin          `json:"origin"`
	Sender Sender          `json:"sender"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (r *SyncRequest) Kind() Kind     { return KindSync }
func (r *SyncRequest) Source() Origin { return r.Origin }
func (r *SyncRequest) sealed()        {}
