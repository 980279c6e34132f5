package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/event"
	"botcore/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func okCallback(id string, result string) *event.MethodCallback {
	return &event.MethodCallback{SyncID: id, Status: event.StatusOK, Result: json.RawMessage(result)}
}

func TestResolveWithoutEntryFails(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	if err := c.Resolve("missing", okCallback("missing", `1`)); !errors.Is(err, ErrCallbackNotFound) {
		t.Fatalf("error = %v, want ErrCallbackNotFound", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	if err := c.Create("a"); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := c.Create("a"); err != nil {
		t.Fatalf("second Create error: %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}
	if err := c.Create(" "); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("error = %v, want ErrEmptyID", err)
	}
}

func TestAwaitReturnsResolvedValue(t *testing.T) {
	t.Parallel()

	eb := bus.New()
	t.Cleanup(eb.Close)
	events, unsubscribe := eb.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	c := NewCorrelator(WithPublisher(eb))
	require.NoError(t, c.Create("a"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = c.Resolve("a", okCallback("a", `"done"`))
	}()

	got, err := c.Await(context.Background(), "a", 200*time.Millisecond)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(got.Result))
	require.Zero(t, c.Pending())

	select {
	case ev := <-events:
		require.Equal(t, bus.EventCallbackResolved, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected resolved event")
	}

	// Past the original deadline no timeout event is produced.
	time.Sleep(250 * time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after resolution: %+v", ev)
	default:
	}
}

func TestResolveBeforeAwaitIsDelivered(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("early"))
	require.NoError(t, c.Resolve("early", okCallback("early", `42`)))

	// Resolution alone keeps the entry for its waiter.
	require.Equal(t, 1, c.Pending())

	got, err := c.Await(context.Background(), "early", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(got.Result))
	require.Zero(t, c.Pending())
}

func TestSecondResolveIsNoop(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("a"))
	require.NoError(t, c.Resolve("a", okCallback("a", `1`)))
	require.NoError(t, c.Resolve("a", okCallback("a", `2`)))

	got, err := c.Await(context.Background(), "a", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(got.Result))

	// Consumed entries are gone.
	require.ErrorIs(t, c.Resolve("a", okCallback("a", `3`)), ErrCallbackNotFound)
}

func TestAwaitTimeoutRemovesEntry(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("slow"))

	start := time.Now()
	_, err := c.Await(context.Background(), "slow", 30*time.Millisecond)
	if !errors.Is(err, ErrCallbackTimeout) {
		t.Fatalf("error = %v, want ErrCallbackTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, before timeout", elapsed)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}
	require.ErrorIs(t, c.Resolve("slow", okCallback("slow", `1`)), ErrCallbackNotFound)
}

func TestAwaitContextCancel(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, "a", time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, c.Pending())
}

func TestAwaitUnknownID(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	_, err := c.Await(context.Background(), "nope", time.Second)
	require.ErrorIs(t, err, ErrCallbackNotFound)
}

func TestAwaitReturnsCallbackError(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("a"))
	require.NoError(t, c.Resolve("a", &event.MethodCallback{SyncID: "a", Status: event.StatusError, Reason: "chat_not_found"}))

	got, err := c.Await(context.Background(), "a", time.Second)
	var callbackErr *event.CallbackError
	require.ErrorAs(t, err, &callbackErr)
	require.Equal(t, "chat_not_found", callbackErr.Reason)
	require.NotNil(t, got)
}

func TestResolveAndTimeoutHaveOneWinner(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	for i := 0; i < 200; i++ {
		id := "race"
		require.NoError(t, c.Create(id))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			_ = c.Resolve(id, okCallback(id, `1`))
		}()

		got, err := c.Await(context.Background(), id, time.Millisecond)
		wg.Wait()

		switch {
		case err == nil:
			require.NotNil(t, got)
		case errors.Is(err, ErrCallbackTimeout):
			require.Nil(t, got)
		default:
			t.Fatalf("iteration %d: unexpected error %v", i, err)
		}
		require.Zero(t, c.Pending())
	}
}

func TestAlarmFiresAndReportsNotWaited(t *testing.T) {
	t.Parallel()

	eb := bus.New()
	t.Cleanup(eb.Close)
	events, unsubscribe := eb.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	c := NewCorrelator(WithPublisher(eb))
	require.NoError(t, c.ScheduleAlarm("fire", 20*time.Millisecond))
	require.ErrorIs(t, c.ScheduleAlarm("fire", time.Second), ErrAlarmArmed)

	select {
	case ev := <-events:
		require.Equal(t, bus.EventCallbackNotWaited, ev.Type)
		require.Equal(t, "fire", ev.SyncID)
	case <-time.After(time.Second):
		t.Fatal("expected not-waited event")
	}
	require.Zero(t, c.Pending())
}

func TestAlarmAfterResolveDoesNotWarn(t *testing.T) {
	t.Parallel()

	eb := bus.New()
	t.Cleanup(eb.Close)
	events, unsubscribe := eb.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	c := NewCorrelator(WithPublisher(eb))
	require.NoError(t, c.ScheduleAlarm("a", 20*time.Millisecond))
	require.NoError(t, c.Resolve("a", okCallback("a", `1`)))

	first := <-events
	require.Equal(t, bus.EventCallbackResolved, first.Type)

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAlarmReturnsRemaining(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	timeout := 400 * time.Millisecond
	require.NoError(t, c.ScheduleAlarm("a", timeout))
	require.ErrorIs(t, func() error { _, err := c.Await(context.Background(), "a", time.Second); return err }(), ErrAlarmArmed)

	time.Sleep(timeout / 2)
	remaining, err := c.CancelAlarm("a", true)
	require.NoError(t, err)
	require.InDelta(t, float64(timeout/2), float64(remaining), float64(100*time.Millisecond))

	// Disarmed: the entry outlives the original deadline.
	time.Sleep(timeout/2 + 50*time.Millisecond)
	require.Equal(t, 1, c.Pending())

	_, err = c.CancelAlarm("a", true)
	require.ErrorIs(t, err, ErrCallbackNotFound)

	go func() { _ = c.Resolve("a", okCallback("a", `"late"`)) }()
	got, err := c.Await(context.Background(), "a", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `"late"`, string(got.Result))
}

func TestCancelAlarmWithoutRemaining(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.ScheduleAlarm("a", time.Second))
	remaining, err := c.CancelAlarm("a", false)
	require.NoError(t, err)
	require.Zero(t, remaining)

	_, err = c.CancelAlarm("missing", true)
	require.ErrorIs(t, err, ErrCallbackNotFound)
}

func TestShutdownRejectsInflightAwaits(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("a"))
	require.NoError(t, c.Create("b"))
	require.NoError(t, c.ScheduleAlarm("c", time.Minute))

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func() {
			_, err := c.Await(context.Background(), id, time.Minute)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.Shutdown()
	c.Shutdown()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrShuttingDown)
		case <-time.After(time.Second):
			t.Fatal("await did not observe shutdown")
		}
	}

	require.Zero(t, c.Pending())
	require.ErrorIs(t, c.Create("d"), ErrShuttingDown)
	require.ErrorIs(t, c.ScheduleAlarm("d", time.Second), ErrShuttingDown)
	_, err := c.Await(context.Background(), "d", time.Second)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestDiscardDropsEntry(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.ScheduleAlarm("a", time.Minute))
	c.Discard("a")
	c.Discard("a")
	require.Zero(t, c.Pending())
	require.ErrorIs(t, c.Resolve("a", okCallback("a", `1`)), ErrCallbackNotFound)
}

func TestResolveNilCallbackLeavesEntryUnsettled(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	require.NoError(t, c.Create("x"))
	require.ErrorIs(t, c.Resolve("x", nil), ErrNilCallback)

	require.NoError(t, c.Resolve("x", okCallback("x", `7`)))
	got, err := c.Await(context.Background(), "x", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `7`, string(got.Result))
}

func TestPendingGaugeTracksStore(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	c := NewCorrelator(WithMetrics(m))

	const calls = 64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			if err := c.Create(id); err != nil {
				t.Errorf("Create(%s) error: %v", id, err)
				return
			}
			if err := c.Resolve(id, okCallback(id, `1`)); err != nil {
				t.Errorf("Resolve(%s) error: %v", id, err)
				return
			}
			if _, err := c.Await(context.Background(), id, time.Second); err != nil {
				t.Errorf("Await(%s) error: %v", id, err)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, c.Pending())
	if got := testutil.ToFloat64(m.PendingCallbacks); got != 0 {
		t.Fatalf("pending gauge = %v, want 0", got)
	}

	require.NoError(t, c.Create("left"))
	if got := testutil.ToFloat64(m.PendingCallbacks); got != 1 {
		t.Fatalf("pending gauge = %v, want 1", got)
	}
	c.Shutdown()
	if got := testutil.ToFloat64(m.PendingCallbacks); got != 0 {
		t.Fatalf("pending gauge after shutdown = %v, want 0", got)
	}
}

func TestStoreReportsLengthUnderLock(t *testing.T) {
	t.Parallel()

	var seen []int
	s := NewStore(func(n int) { seen = append(seen, n) })

	a, created := s.Add("a")
	require.True(t, created)
	_, created = s.Add("a")
	require.False(t, created)
	s.Add("b")
	require.False(t, s.Remove("a", newPending("a")))
	require.True(t, s.Remove("a", a))
	s.Pop("b")
	s.Drain()

	require.Equal(t, []int{1, 2, 1, 0, 0}, seen)
}
