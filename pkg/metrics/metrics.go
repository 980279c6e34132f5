// Package metrics exposes Prometheus collectors for dispatches, callbacks and spooled buffers.
package metrics

import (
	"context"
	"time"

	"botcore/pkg/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the runtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// DispatchTotal counts finished dispatches.
	// Labels: kind (message|system|sync), outcome (completed|failed)
	DispatchTotal *prometheus.CounterVec

	// DispatchDuration measures handler chain latency in seconds.
	// Labels: kind
	DispatchDuration *prometheus.HistogramVec

	// DispatchInflight is the number of tracked fire-and-forget dispatches.
	DispatchInflight prometheus.Gauge

	// PendingCallbacks is the number of correlation entries awaiting a result.
	PendingCallbacks prometheus.Gauge

	// CallbackOutcomes counts how correlation entries ended.
	// Labels: outcome (resolved|timeout|not_waited)
	CallbackOutcomes *prometheus.CounterVec

	// SpoolSpills counts buffers that moved from memory to a temp file.
	SpoolSpills prometheus.Counter
}

// New registers all collectors with reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botcore_dispatch_total",
				Help: "Total number of dispatched events by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botcore_dispatch_duration_seconds",
				Help:    "Duration of handler chains in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"kind"},
		),
		DispatchInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botcore_dispatch_inflight",
			Help: "Number of fire-and-forget dispatches still running",
		}),
		PendingCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botcore_callbacks_pending",
			Help: "Number of outbound calls waiting for a method callback",
		}),
		CallbackOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botcore_callback_outcomes_total",
				Help: "Total number of settled correlation entries by outcome",
			},
			[]string{"outcome"},
		),
		SpoolSpills: factory.NewCounter(prometheus.CounterOpts{
			Name: "botcore_spool_spills_total",
			Help: "Total number of spooled buffers moved to a temporary file",
		}),
	}
}

func (m *Metrics) SetPendingCallbacks(n int) {
	if m == nil {
		return
	}
	m.PendingCallbacks.Set(float64(n))
}

func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.DispatchInflight.Set(float64(n))
}

func (m *Metrics) SpoolSpilled() {
	if m == nil {
		return
	}
	m.SpoolSpills.Inc()
}

// Record applies one lifecycle event to the collectors.
func (m *Metrics) Record(event bus.Event) {
	if m == nil {
		return
	}

	switch event.Type {
	case bus.EventDispatchCompleted:
		m.DispatchTotal.WithLabelValues(event.Kind, "completed").Inc()
		m.DispatchDuration.WithLabelValues(event.Kind).Observe(msToSeconds(event.DurationMS))
	case bus.EventDispatchFailed:
		m.DispatchTotal.WithLabelValues(event.Kind, "failed").Inc()
		m.DispatchDuration.WithLabelValues(event.Kind).Observe(msToSeconds(event.DurationMS))
	case bus.EventCallbackResolved:
		m.CallbackOutcomes.WithLabelValues("resolved").Inc()
	case bus.EventCallbackTimeout:
		m.CallbackOutcomes.WithLabelValues("timeout").Inc()
	case bus.EventCallbackNotWaited:
		m.CallbackOutcomes.WithLabelValues("not_waited").Inc()
	}
}

// Observe records events from eb until ctx ends or the bus closes.
func (m *Metrics) Observe(ctx context.Context, eb *bus.EventBus) {
	events, unsubscribe := eb.SubscribeEvents(ctx, 256)
	defer unsubscribe()

	for event := range events {
		m.Record(event)
	}
}

func msToSeconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}
