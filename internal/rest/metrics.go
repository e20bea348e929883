package rest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

type restMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	retries  metric.Int64Counter
}

func newRESTMetrics() *restMetrics {
	meter := otel.Meter("rest")
	rm := &restMetrics{}
	rm.requests, _ = meter.Int64Counter("quotestream_rest_requests",
		metric.WithDescription("REST requests by route, endpoint and result"),
		metric.WithUnit("{request}"))
	rm.latency, _ = meter.Float64Histogram("quotestream_rest_latency",
		metric.WithDescription("REST request latency"),
		metric.WithUnit("ms"))
	rm.retries, _ = meter.Int64Counter("quotestream_rest_retries",
		metric.WithDescription("REST retries scheduled after a transient failure"),
		metric.WithUnit("{retry}"))
	return rm
}

func (rm *restMetrics) recordRequest(ctx context.Context, route Route, endpoint, result string, elapsed time.Duration) {
	if rm == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.RESTAttributes(telemetry.Environment(), string(route), endpoint, result)...)
	if rm.requests != nil {
		rm.requests.Add(ctx, 1, attrs)
	}
	if rm.latency != nil {
		rm.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (rm *restMetrics) recordRetry(ctx context.Context, route Route, endpoint string) {
	if rm == nil || rm.retries == nil {
		return
	}
	rm.retries.Add(ctx, 1, metric.WithAttributes(
		telemetry.RESTAttributes(telemetry.Environment(), string(route), endpoint, "retry")...))
}
