package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"botcore/pkg/config"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, ServiceName: "botcore"})
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected a tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); got != sdktrace.AlwaysSample().Description() {
		t.Fatalf("sampler(0) = %q, want AlwaysOnSampler", got)
	}
	if got := sampler(0.25).Description(); got == sdktrace.AlwaysSample().Description() {
		t.Fatalf("sampler(0.25) = %q, want ratio based", got)
	}
}
