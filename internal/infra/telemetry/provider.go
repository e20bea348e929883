package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName    = "quotestream"
	defaultServiceVersion = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultExportInterval = 30 * time.Second
)

// Config controls the metrics pipeline. Tracing is not exported.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables from the process environment.
func DefaultConfig() Config {
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Unset or blank variables keep the
// built-in defaults; OTEL_METRIC_EXPORT_INTERVAL is in milliseconds.
func FromEnv(lookup func(string) (string, bool)) Config {
	get := func(key string) string {
		if lookup == nil {
			return ""
		}
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	or := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}

	cfg := Config{
		Enabled:          get("OTEL_ENABLED") != "false",
		EnableMetrics:    get("OTEL_METRICS_ENABLED") != "false",
		OTLPEndpoint:     or(get("OTEL_EXPORTER_OTLP_ENDPOINT"), defaultEndpoint),
		OTLPInsecure:     get("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		MetricInterval:   defaultExportInterval,
		ServiceName:      or(get("OTEL_SERVICE_NAME"), defaultServiceName),
		ServiceVersion:   defaultServiceVersion,
		ServiceNamespace: get("OTEL_SERVICE_NAMESPACE"),
		Environment:      or(get("OTEL_RESOURCE_ENVIRONMENT"), or(get("QUOTESTREAM_ENV"), fallbackEnvironment)),
	}
	if ms, err := strconv.Atoi(get("OTEL_METRIC_EXPORT_INTERVAL")); err == nil && ms > 0 {
		cfg.MetricInterval = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// Provider owns the meter provider installed as the otel global.
type Provider struct {
	meters *sdkmetric.MeterProvider
}

// NewProvider sets the environment label and, when metrics are enabled,
// installs an OTLP/HTTP meter provider as the global one. A disabled
// provider is inert and leaves the no-op global in place.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	if !cfg.Enabled || !cfg.EnableMetrics {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithAttributes(serviceAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}

	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(meters)
	return &Provider{meters: meters}, nil
}

// Shutdown flushes pending metrics. It is a no-op for an inert provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meters == nil {
		return nil
	}
	if err := p.meters.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Meter returns a meter from the owned provider, or from the global one.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.meters == nil {
		return otel.Meter(name, opts...)
	}
	return p.meters.Meter(name, opts...)
}

func serviceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespace(cfg.ServiceNamespace))
	}
	if env := normalizeEnvironment(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(env), AttrEnvironment.String(env))
	}
	return attrs
}

// exporterOptions accepts both host:port and full URLs; a URL's scheme
// decides TLS on its own.
func exporterOptions(cfg Config) []otlpmetrichttp.Option {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if strings.Contains(endpoint, "://") {
		return []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}

// histogramViews sets explicit millisecond buckets for the latency histograms.
func histogramViews() []sdkmetric.View {
	view := func(name string, boundaries ...float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries}},
		)
	}
	return []sdkmetric.View{
		view("quotestream_rest_request_duration", 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
		view("quotestream_stream_ping_latency", 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
		view("quotestream_stream_reconnect_delay", 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000),
	}
}
