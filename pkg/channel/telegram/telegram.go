package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"botcore/pkg/bot"
	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/event"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// ErrUnsupportedMethod is returned for outbound methods Telegram has no equivalent for.
var ErrUnsupportedMethod = errors.New("method not supported by telegram")

// Adapter bridges Telegram updates into bot events and carries outbound calls back.
type Adapter struct {
	cfg       config.TelegramConfig
	client    *telego.Bot
	http      *http.Client
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if strings.TrimSpace(cfg.BotID) == "" {
		return nil, errors.New("channels.telegram.bot_id is required")
	}

	if log == nil {
		log = slog.Default()
	}

	client, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg:       cfg,
		client:    client,
		http:      http.DefaultClient,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in logs and status output.
func (a *Adapter) Name() string {
	return channelName
}

// Transport returns the outbound side of the adapter.
func (a *Adapter) Transport() bot.Transport {
	return a
}

// Run starts Telegram long polling and forwards updates to sink.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	updates, err := a.client.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "bot_id", a.cfg.BotID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			a.handleUpdate(ctx, sink, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, sink channel.Sink, update telego.Update) {
	if query := update.CallbackQuery; query != nil {
		a.handleCallbackQuery(ctx, sink, query)
		return
	}

	ev, ok := toEvent(a.cfg.BotID, update)
	if !ok {
		return
	}

	if msg, isMessage := ev.(*event.Message); isMessage {
		if !a.senderAllowed(msg.Sender.UserID) {
			a.log.Debug("Ignoring message from unauthorized sender", "sender_id", msg.Sender.UserID)
			return
		}
		a.log.Info("Received message", "chat_id", msg.Origin.ChatID, "sender_id", msg.Sender.UserID, "content", previewText(msg.Body))
	}

	if err := sink.Dispatch(ctx, ev); err != nil {
		a.log.Error("Failed to dispatch telegram update", "update_id", update.UpdateID, "error", err)
	}
}

func (a *Adapter) handleCallbackQuery(ctx context.Context, sink channel.Sink, query *telego.CallbackQuery) {
	senderID := strconv.FormatInt(query.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring callback query from unauthorized sender", "sender_id", senderID)
		return
	}

	reply := sink.Reply(ctx, callbackRequest(a.cfg.BotID, query))
	params := tu.CallbackQuery(query.ID)
	if text := replyText(reply); text != "" {
		params = params.WithText(text)
	}
	if err := a.client.AnswerCallbackQuery(ctx, params); err != nil {
		a.log.Error("Failed to answer callback query", "query_id", query.ID, "error", err)
	}
}

// toEvent maps a Telegram update to a bot event. Updates without a bot-facing meaning are skipped.
func toEvent(botID string, update telego.Update) (event.Event, bool) {
	if member := update.MyChatMember; member != nil {
		origin := event.Origin{BotID: botID, ChatID: strconv.FormatInt(member.Chat.ID, 10)}
		sender := senderFrom(&member.From, member.Chat.Type)
		switch member.NewChatMember.MemberStatus() {
		case "member", "administrator":
			return &event.SystemEvent{ID: updateID(update), Type: event.SystemAddedToChat, Origin: origin, Sender: sender}, true
		case "left", "kicked":
			return &event.SystemEvent{ID: updateID(update), Type: event.SystemDeletedFromChat, Origin: origin, Sender: sender}, true
		}
		return nil, false
	}

	message := update.Message
	if message == nil || message.From == nil {
		return nil, false
	}

	origin := event.Origin{BotID: botID, ChatID: strconv.FormatInt(message.Chat.ID, 10)}
	sender := senderFrom(message.From, message.Chat.Type)

	switch {
	case message.GroupChatCreated:
		return &event.SystemEvent{ID: updateID(update), Type: event.SystemChatCreated, Origin: origin, Sender: sender}, true
	case len(message.NewChatMembers) > 0:
		return &event.SystemEvent{ID: updateID(update), Type: event.SystemUserJoinedToChat, Origin: origin, Sender: sender}, true
	case message.LeftChatMember != nil:
		return &event.SystemEvent{ID: updateID(update), Type: event.SystemLeftFromChat, Origin: origin, Sender: sender}, true
	}

	body := strings.TrimSpace(message.Text)
	if body == "" {
		body = strings.TrimSpace(message.Caption)
	}
	msg := &event.Message{
		ID:     updateID(update),
		Origin: origin,
		Sender: sender,
		Body:   body,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
		},
	}
	if doc := message.Document; doc != nil {
		msg.Attachment = &event.Attachment{
			FileID:   doc.FileID,
			Name:     doc.FileName,
			MimeType: doc.MimeType,
			Size:     int64(doc.FileSize),
		}
	}
	if msg.Body == "" && msg.Attachment == nil {
		return nil, false
	}
	return msg, true
}

// callbackRequest maps inline button data "method:args" to a sync request.
func callbackRequest(botID string, query *telego.CallbackQuery) *event.SyncRequest {
	method, args, _ := strings.Cut(query.Data, ":")
	params, _ := json.Marshal(map[string]string{"data": args})

	origin := event.Origin{BotID: botID}
	chatType := ""
	if query.Message != nil {
		chat := query.Message.GetChat()
		origin.ChatID = strconv.FormatInt(chat.ID, 10)
		chatType = chat.Type
	}

	return &event.SyncRequest{
		ID:     query.ID,
		Method: event.SyncMethod(strings.TrimSpace(method)),
		Origin: origin,
		Sender: senderFrom(&query.From, chatType),
		Params: params,
	}
}

func replyText(reply *event.SyncReply) string {
	if reply == nil {
		return ""
	}
	if reply.Error != nil {
		return reply.Error.Message
	}
	if text, ok := reply.Result.(string); ok {
		return text
	}
	return ""
}

func senderFrom(user *telego.User, chatType string) event.Sender {
	return event.Sender{
		UserID:   strconv.FormatInt(user.ID, 10),
		Username: user.Username,
		ChatType: chatType,
	}
}

func updateID(update telego.Update) string {
	return strconv.Itoa(update.UpdateID)
}

// Send implements bot.Transport. Telegram answers synchronously, so receipts are never pending.
func (a *Adapter) Send(ctx context.Context, call *bot.OutboundCall) (*bot.Receipt, error) {
	if call.Method != bot.MethodSendMessage {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, call.Method)
	}

	chatID, err := parseChatID(call.ChatID)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(call.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode send_message payload: %w", err)
	}
	a.log.Info("Sending message", "chat_id", call.ChatID, "content", previewText(payload.Body))

	sent, err := a.client.SendMessage(ctx, tu.Message(tu.ID(chatID), payload.Body))
	if err != nil {
		return nil, fmt.Errorf("send telegram message: %w", err)
	}

	result, err := json.Marshal(map[string]int{"message_id": sent.MessageID})
	if err != nil {
		return nil, err
	}
	return &bot.Receipt{SyncID: call.SyncID, Result: result}, nil
}

// Download implements bot.FileTransport.
func (a *Adapter) Download(ctx context.Context, _ string, fileID string, w io.Writer) error {
	file, err := a.client.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return fmt.Errorf("get telegram file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.client.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download telegram file: unexpected status %s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Upload implements bot.FileTransport.
func (a *Adapter) Upload(ctx context.Context, _ string, chatID string, name string, r io.Reader) (*bot.Receipt, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}

	sent, err := a.client.SendDocument(ctx, tu.Document(tu.ID(id), tu.File(tu.NameReader(r, name))))
	if err != nil {
		return nil, fmt.Errorf("send telegram document: %w", err)
	}

	result, err := json.Marshal(map[string]int{"message_id": sent.MessageID})
	if err != nil {
		return nil, err
	}
	return &bot.Receipt{Result: result}, nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", chatID)
	}
	return id, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
