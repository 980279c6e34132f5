// Package webhook exposes the bot runtime as the HTTP endpoints the platform calls.
package webhook

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"botcore/pkg/auth"
	"botcore/pkg/bot"
	"botcore/pkg/callback"
	"botcore/pkg/event"
	"botcore/pkg/handler"
)

const maxBodyBytes = 1 << 20

// Backend is the part of the runtime the endpoints drive. *bot.Bot implements it.
type Backend interface {
	Dispatch(ctx context.Context, ev event.Event) error
	Reply(ctx context.Context, req *event.SyncRequest) *event.SyncReply
	ResolveCallback(cb *event.MethodCallback) error
	Menu(ctx context.Context, sender event.Sender) []handler.MenuItem
	Ready() bool
}

type Handler struct {
	backend  Backend
	verifier auth.Verifier
	log      *slog.Logger
	mux      *http.ServeMux
}

type response struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type statusResult struct {
	Enabled  bool               `json:"enabled"`
	Commands []handler.MenuItem `json:"commands"`
}

// New builds the endpoint set. A nil verifier accepts unauthenticated requests.
func New(backend Backend, verifier auth.Verifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		backend:  backend,
		verifier: verifier,
		log:      log.With("component", "webhook"),
		mux:      http.NewServeMux(),
	}
	h.Register(h.mux)
	return h
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /command", h.wrap(h.handleCommand))
	mux.Handle("POST /notification/callback", h.wrap(h.handleCallback))
	mux.Handle("POST /smartapps/sync", h.wrap(h.handleSync))
	mux.Handle("GET /status", h.wrap(h.handleStatus))
}

// wrap continues the caller's trace, if any, and authenticates the request.
func (h *Handler) wrap(fn http.HandlerFunc) http.Handler {
	next := h.authenticate(fn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	if h.verifier == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			h.fail(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		claims, err := h.verifier.Verify(token)
		if err != nil {
			h.log.Warn("Rejected webhook request", "path", r.URL.Path, "error", err)
			h.fail(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// checkBot rejects requests whose token addresses a different bot than the payload.
func checkBot(ctx context.Context, botID string) error {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil
	}
	if claims.BotID() != botID {
		return fmt.Errorf("%w: token is for %q, payload for %q", auth.ErrInvalidToken, claims.BotID(), botID)
	}
	return nil
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if ev.Kind() == event.KindSync {
		h.fail(w, http.StatusBadRequest, "bad_request", errors.New("sync requests go to /smartapps/sync"))
		return
	}
	if err := checkBot(r.Context(), ev.Source().BotID); err != nil {
		h.fail(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}

	if err := h.backend.Dispatch(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, bot.ErrUnknownBot):
			h.fail(w, http.StatusUnauthorized, "unknown_bot", err)
		case errors.Is(err, bot.ErrShuttingDown):
			h.fail(w, http.StatusServiceUnavailable, "unavailable", err)
		default:
			h.fail(w, http.StatusInternalServerError, "internal_error", err)
		}
		return
	}

	h.respond(w, http.StatusAccepted, response{Status: "ok", Result: "accepted"})
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	cb, err := event.DecodeCallback(body)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	// Late or unknown callbacks are logged by the correlator; the platform only needs an ack.
	if err := h.backend.ResolveCallback(cb); err != nil && !errors.Is(err, callback.ErrCallbackNotFound) {
		h.log.Warn("Failed to resolve callback", "sync_id", cb.SyncID, "error", err)
	}

	h.respond(w, http.StatusAccepted, response{Status: "ok", Result: "accepted"})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	var req event.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, http.StatusBadRequest, "bad_request", fmt.Errorf("decode sync request: %w", err))
		return
	}
	if strings.TrimSpace(string(req.Method)) == "" {
		h.fail(w, http.StatusBadRequest, "bad_request", errors.New("sync request method is required"))
		return
	}
	if err := checkBot(r.Context(), req.Origin.BotID); err != nil {
		h.fail(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}

	reply := h.backend.Reply(r.Context(), &req)
	statusCode := http.StatusOK
	if reply.Error != nil {
		switch reply.Error.Code {
		case event.CodeUnknownBot:
			statusCode = http.StatusUnauthorized
		case event.CodeUnavailable:
			statusCode = http.StatusServiceUnavailable
		}
	}
	h.respond(w, statusCode, reply)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	botID := query.Get("bot_id")
	if botID != "" {
		if err := checkBot(r.Context(), botID); err != nil {
			h.fail(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
	}

	isAdmin, _ := strconv.ParseBool(query.Get("is_admin"))
	sender := event.Sender{
		UserID:   query.Get("user_id"),
		IsAdmin:  isAdmin,
		ChatType: query.Get("chat_type"),
	}

	h.respond(w, http.StatusOK, response{
		Status: "ok",
		Result: statusResult{
			Enabled:  h.backend.Ready(),
			Commands: h.backend.Menu(r.Context(), sender),
		},
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func (h *Handler) fail(w http.ResponseWriter, statusCode int, reason string, err error) {
	h.respond(w, statusCode, response{Status: "error", Reason: reason, Error: err.Error()})
}

func (h *Handler) respond(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to write webhook response", "error", err)
	}
}
