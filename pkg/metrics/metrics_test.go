package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"botcore/pkg/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordDispatchOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Record(bus.Event{Type: bus.EventDispatchCompleted, Kind: "message", DurationMS: 20})
	m.Record(bus.Event{Type: bus.EventDispatchCompleted, Kind: "message", DurationMS: 5})
	m.Record(bus.Event{Type: bus.EventDispatchFailed, Kind: "sync", DurationMS: 1})
	m.Record(bus.Event{Type: bus.EventDispatchReceived, Kind: "message"})

	expected := `
# HELP botcore_dispatch_total Total number of dispatched events by kind and outcome
# TYPE botcore_dispatch_total counter
botcore_dispatch_total{kind="message",outcome="completed"} 2
botcore_dispatch_total{kind="sync",outcome="failed"} 1
`
	if err := testutil.CollectAndCompare(m.DispatchTotal, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected dispatch totals: %v", err)
	}
	if count := testutil.CollectAndCount(m.DispatchDuration); count != 2 {
		t.Fatalf("duration series = %d, want 2", count)
	}
}

func TestGaugesAndSpills(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetPendingCallbacks(3)
	m.SetInflight(2)
	m.SpoolSpilled()

	if got := testutil.ToFloat64(m.PendingCallbacks); got != 3 {
		t.Fatalf("pending = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.DispatchInflight); got != 2 {
		t.Fatalf("inflight = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SpoolSpills); got != 1 {
		t.Fatalf("spills = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetPendingCallbacks(1)
	m.SetInflight(1)
	m.SpoolSpilled()
	m.Record(bus.Event{Type: bus.EventCallbackResolved})
}

func TestObserveRecordsCallbackOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())
	eb := bus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Observe(ctx, eb)
	}()

	require.Eventually(t, func() bool {
		eb.PublishEvent(ctx, bus.Event{Type: bus.EventCallbackTimeout})
		return testutil.ToFloat64(m.CallbackOutcomes.WithLabelValues("timeout")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	eb.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer did not stop after bus close")
	}
}
