package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"botcore/pkg/auth"
	"botcore/pkg/bot"
	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

// Options carries the optional collaborators of a Service.
type Options struct {
	Verifier auth.Verifier
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	bot      *bot.Bot
	channels []channel.Adapter
	mux      *http.ServeMux

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	Accepting        bool                    `json:"accepting"`
	Inflight         int                     `json:"inflight"`
	PendingCallbacks int                     `json:"pending_callbacks"`
	Channels         map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, b *bot.Bot, adapters []channel.Adapter, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if b == nil {
		return nil, errors.New("bot is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	s := &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bot:           b,
		channels:      adapters,
		mux:           http.NewServeMux(),
		channelStates: channelStates,
	}

	webhook.New(b, opts.Verifier, log).Register(s.mux)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s, nil
}

// Handler exposes the HTTP surface: webhooks, health, readiness and metrics.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP and runs every adapter until ctx ends or one of them fails, then
// shuts the bot down.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		s.log.Info("Gateway server started", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start gateway server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		group.Go(func() error {
			err := adapter.Run(groupCtx, s.bot)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.bot.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Bot shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		Accepting:        s.bot.Ready(),
		Inflight:         s.bot.Engine().Inflight(),
		PendingCallbacks: s.bot.Correlator().Pending(),
		Channels:         channels,
	}
}

// isReady requires an accepting bot and, when adapters are configured, at least one running.
func (s *Service) isReady() bool {
	if !s.bot.Ready() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return true
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
