package botctx

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestFromContextWithoutScope(t *testing.T) {
	t.Parallel()

	if _, err := FromContext(context.Background()); !errors.Is(err, ErrNoActiveDispatchContext) {
		t.Fatalf("error = %v, want ErrNoActiveDispatchContext", err)
	}
	if _, err := CurrentBotID(context.Background()); !errors.Is(err, ErrNoActiveDispatchContext) {
		t.Fatalf("error = %v, want ErrNoActiveDispatchContext", err)
	}
}

func TestCurrentIdentity(t *testing.T) {
	t.Parallel()

	ctx := WithScope(context.Background(), Scope{BotID: "bot-1", ChatID: "chat-1"})

	botID, err := CurrentBotID(ctx)
	if err != nil || botID != "bot-1" {
		t.Fatalf("CurrentBotID = (%q, %v), want bot-1", botID, err)
	}
	chatID, err := CurrentChatID(ctx)
	if err != nil || chatID != "chat-1" {
		t.Fatalf("CurrentChatID = (%q, %v), want chat-1", chatID, err)
	}

	noChat := WithScope(context.Background(), Scope{BotID: "bot-1"})
	if _, err := CurrentChatID(noChat); err == nil {
		t.Fatal("expected error for scope without chat")
	}
}

func TestScopeIsCopied(t *testing.T) {
	t.Parallel()

	scope := Scope{BotID: "bot-1", ChatID: "chat-1"}
	ctx := WithScope(context.Background(), scope)
	scope.ChatID = "mutated"

	got, err := FromContext(ctx)
	if err != nil {
		t.Fatalf("FromContext error: %v", err)
	}
	if got.ChatID != "chat-1" {
		t.Fatalf("chat = %q, want chat-1", got.ChatID)
	}
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	t.Parallel()

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	for _, scope := range []Scope{{BotID: "a", ChatID: "chat-a"}, {BotID: "b", ChatID: "chat-b"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithScope(context.Background(), scope)
			<-start
			got, err := FromContext(ctx)
			if err != nil {
				errs <- err
				return
			}
			if got.BotID != scope.BotID || got.ChatID != scope.ChatID {
				errs <- errors.New("scope leaked between dispatches: " + got.BotID)
			}
		}()
	}

	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestDetachKeepsScope(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(WithScope(context.Background(), Scope{BotID: "bot-1"}))
	detached := Detach(parent)
	cancel()

	if detached.Err() != nil {
		t.Fatalf("detached context err = %v, want nil", detached.Err())
	}
	if botID, err := CurrentBotID(detached); err != nil || botID != "bot-1" {
		t.Fatalf("CurrentBotID = (%q, %v), want bot-1", botID, err)
	}
}
