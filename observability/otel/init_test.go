package otel

import (
	"context"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer x, tenant = oracle ,broken")

	cfg := ConfigFromEnv("oracled", "dev")
	if cfg.Endpoint != "collector:4318" || !cfg.Insecure || !cfg.Traces || !cfg.Metrics {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Headers["authorization"] != "Bearer x" || cfg.Headers["tenant"] != "oracle" || len(cfg.Headers) != 2 {
		t.Fatalf("unexpected headers: %v", cfg.Headers)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), ConfigFromEnv("oracled", ""))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name error")
	}
}
