package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , x-tenant=intents,broken,=nokey")
	if len(headers) != 2 {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-tenant"] != "intents" {
		t.Fatalf("unexpected header values: %v", headers)
	}
}

func TestInitWithoutSignalsIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "settlementd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestWithEnvOverridesExporterSettings(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
		"OTEL_EXPORTER_OTLP_INSECURE": "true",
		"OTEL_EXPORTER_OTLP_HEADERS":  "x-tenant=intents",
	}
	cfg := Config{
		ServiceName: "settlementd",
		Endpoint:    "localhost:4318",
		Headers:     map[string]string{"authorization": "Bearer abc"},
	}.WithEnv(func(key string) string { return env[key] })

	if cfg.Endpoint != "collector:4318" || !cfg.Insecure {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Headers["authorization"] != "Bearer abc" || cfg.Headers["x-tenant"] != "intents" {
		t.Fatalf("headers not merged: %v", cfg.Headers)
	}

	unchanged := Config{Endpoint: "localhost:4318"}.WithEnv(func(string) string { return "" })
	if unchanged.Endpoint != "localhost:4318" || unchanged.Insecure || unchanged.Headers != nil {
		t.Fatalf("empty env changed config: %+v", unchanged)
	}
}

func TestDisabledScopesDropSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	sdk := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer sdk.Shutdown(context.Background())
	tp := withDisabledScopes(sdk, []string{ScopeAuction})

	_, span := tp.Tracer(ScopeAuction).Start(context.Background(), "auction.clear")
	span.End()
	_, span = tp.Tracer(ScopeSettlement).Start(context.Background(), "settlement.start")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != "settlement.start" {
		t.Fatalf("unexpected spans: %d", len(ended))
	}
	if got := ended[0].InstrumentationScope().Name; got != ScopeSettlement {
		t.Fatalf("unexpected scope %q", got)
	}
	if withDisabledScopes(sdk, nil) != sdk {
		t.Fatalf("provider wrapped without disabled scopes")
	}
}

func TestResourceCarriesServiceAndCustomAttributes(t *testing.T) {
	res, err := newResource(Config{
		ServiceName: "settlementd",
		Version:     "1.4.0",
		Environment: "staging",
		Attributes:  map[string]string{"settlement.bond_denom": "uatom"},
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[attribute.Key]string{
		"service.name":           "settlementd",
		"service.version":        "1.4.0",
		"deployment.environment": "staging",
		"settlement.bond_denom":  "uatom",
	}
	for key, value := range want {
		got, ok := res.Set().Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("attribute %s = %q, want %q", key, got.AsString(), value)
		}
	}
}
