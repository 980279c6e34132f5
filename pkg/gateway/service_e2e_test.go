package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"botcore/pkg/auth"
	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/event"
	"botcore/pkg/handler"
	"botcore/pkg/logger"

	"github.com/stretchr/testify/require"
)

type scriptedAdapter struct {
	name    string
	inbound []event.Event
	failAt  error

	mu     sync.Mutex
	errors []error
	done   chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, sink channel.Sink) error {
	for _, ev := range a.inbound {
		if err := sink.Dispatch(ctx, ev); err != nil {
			a.mu.Lock()
			a.errors = append(a.errors, err)
			a.mu.Unlock()
		}
	}

	close(a.done)

	if a.failAt != nil {
		return a.failAt
	}
	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) dispatchErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errors...)
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
}

func (r *recorder) add(body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func TestGatewayServiceRunE2EAdapterAndWebhook(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := &recorder{}
	reg := handler.New()
	require.NoError(t, reg.Default(func(_ context.Context, msg *event.Message) error {
		seen.add(msg.Body)
		return nil
	}))

	account := config.BotAccount{ID: "bot-1", Host: "chat.example.com", SecretKey: "secret"}
	cfg := &config.Config{
		Bots:   []config.BotAccount{account},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
	}
	b := newTestBot(t, reg)

	adapter := &scriptedAdapter{
		name: "scripted",
		inbound: []event.Event{
			&event.Message{Origin: event.Origin{BotID: "bot-1", ChatID: "100"}, Body: "one"},
			&event.Message{Origin: event.Origin{BotID: "ghost", ChatID: "100"}, Body: "lost"},
		},
		done: make(chan struct{}),
	}

	svc, err := NewService(cfg, b, []channel.Adapter{adapter}, Options{
		Verifier: auth.NewJWTVerifier(cfg.Bots),
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	baseURL := fmt.Sprintf("http://%s", cfg.Server.Addr())
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 5*time.Second))

	select {
	case <-adapter.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scripted adapter")
	}

	token, err := auth.Sign(account, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/command",
		strings.NewReader(`{"kind":"message","payload":{"origin":{"bot_id":"bot-1","chat_id":"200"},"body":"two"}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"one", "two"}, seen.snapshot())

	dispatchErrors := adapter.dispatchErrors()
	require.Len(t, dispatchErrors, 1)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
	require.False(t, b.Ready())
}

func TestGatewayServiceRunReturnsAdapterFailure(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: freeTCPPort(t)}}
	b := newTestBot(t, nil)

	boom := errors.New("poll failed")
	adapter := &scriptedAdapter{name: "flaky", failAt: boom, done: make(chan struct{})}

	svc, err := NewService(cfg, b, []channel.Adapter{adapter}, Options{Logger: logger.Nop()})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(context.Background()) }()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, boom)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	status := svc.currentStatus("x")
	require.Equal(t, "poll failed", status.Channels["flaky"].Error)
	require.False(t, status.Accepting)
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			if statusCode == http.StatusOK || time.Now().After(deadline) {
				return statusCode
			}
		} else if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
