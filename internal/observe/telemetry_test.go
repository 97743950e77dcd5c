package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keepSpans survives provider shutdown, which would otherwise clear the
// in-memory exporter.
type keepSpans struct{ *tracetest.InMemoryExporter }

func (keepSpans) Shutdown(context.Context) error { return nil }

func TestSetup_InstallsProviders(t *testing.T) {
	prevT, prevM := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevT)
		otel.SetMeterProvider(prevM)
	})

	exp := tracetest.NewInMemoryExporter()
	tel, err := Setup(TelemetryConfig{ServiceVersion: "test", SpanExporter: keepSpans{exp}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "setup.check")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "voxline" {
		t.Errorf("service.name = %q, want voxline", service)
	}
	if got, want := spans[0].Resource.SchemaURL(), resource.Default().SchemaURL(); got != want {
		t.Errorf("resource schema = %q, want the SDK default %q", got, want)
	}
}
