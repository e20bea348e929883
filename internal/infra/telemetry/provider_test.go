package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := FromEnv(nil)
	cfg.Enabled = false
	cfg.Environment = "Staging"

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.meters != nil {
		t.Fatalf("disabled provider must not build a meter provider")
	}
	if provider.Meter("test") == nil {
		t.Fatalf("expected fallback global meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of disabled provider: %v", err)
	}
	if got := Environment(); got != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", got)
	}
	SetEnvironment("")
	if got := Environment(); got != "development" {
		t.Fatalf("expected development fallback, got %q", got)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(func(string) (string, bool) { return "", false })
	if !cfg.Enabled || !cfg.EnableMetrics {
		t.Fatalf("metrics should be on by default: %+v", cfg)
	}
	if cfg.OTLPEndpoint != "localhost:4318" || cfg.ServiceName != "quotestream" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Environment != "development" || cfg.MetricInterval != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	env := map[string]string{
		"OTEL_METRICS_ENABLED":        "false",
		"OTEL_EXPORTER_OTLP_ENDPOINT": " https://collector:4318 ",
		"OTEL_METRIC_EXPORT_INTERVAL": "5000",
		"OTEL_SERVICE_NAMESPACE":      "markets",
		"QUOTESTREAM_ENV":             "prod",
	}
	cfg := FromEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if cfg.EnableMetrics {
		t.Fatalf("OTEL_METRICS_ENABLED=false should disable metrics")
	}
	if cfg.OTLPEndpoint != "https://collector:4318" {
		t.Fatalf("endpoint not trimmed: %q", cfg.OTLPEndpoint)
	}
	if cfg.MetricInterval != 5*time.Second {
		t.Fatalf("interval = %v, want 5s", cfg.MetricInterval)
	}
	if cfg.ServiceNamespace != "markets" || cfg.Environment != "prod" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}

	env["OTEL_RESOURCE_ENVIRONMENT"] = "staging"
	env["OTEL_METRIC_EXPORT_INTERVAL"] = "soon"
	cfg = FromEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if cfg.Environment != "staging" {
		t.Fatalf("OTEL_RESOURCE_ENVIRONMENT should win, got %q", cfg.Environment)
	}
	if cfg.MetricInterval != 30*time.Second {
		t.Fatalf("bad interval should keep the default, got %v", cfg.MetricInterval)
	}
}

func TestExporterOptions(t *testing.T) {
	cases := []struct {
		cfg  Config
		want int
	}{
		{Config{OTLPEndpoint: "http://collector:4318"}, 1},
		{Config{OTLPEndpoint: "https://collector:4318", OTLPInsecure: true}, 1},
		{Config{OTLPEndpoint: "collector:4318"}, 1},
		{Config{OTLPEndpoint: "collector:4318", OTLPInsecure: true}, 2},
	}
	for _, tc := range cases {
		if got := len(exporterOptions(tc.cfg)); got != tc.want {
			t.Errorf("exporterOptions(%+v) gave %d options, want %d", tc.cfg, got, tc.want)
		}
	}
}

func TestServiceAttributes(t *testing.T) {
	attrs := serviceAttributes(Config{ServiceName: "quotestream", ServiceVersion: "1.0.0", Environment: " Prod "})
	found := map[string]string{}
	for _, kv := range attrs {
		found[string(kv.Key)] = kv.Value.AsString()
	}
	if found["service.name"] != "quotestream" || found["service.version"] != "1.0.0" {
		t.Fatalf("missing service identity: %v", found)
	}
	if found["environment"] != "prod" || found["deployment.environment.name"] != "prod" {
		t.Fatalf("environment not normalised: %v", found)
	}
	if _, ok := found["service.namespace"]; ok {
		t.Fatalf("empty namespace should be omitted: %v", found)
	}
}
