package fetcher

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

type fetchMetrics struct {
	environment string

	answers        metric.Int64Counter
	batchSymbols   metric.Int64Histogram
	batchChunks    metric.Int64Counter
	detailFailures metric.Int64Counter
}

func newFetchMetrics() *fetchMetrics {
	meter := otel.Meter("fetcher")
	fm := &fetchMetrics{environment: telemetry.Environment()}
	fm.answers, _ = meter.Int64Counter("quotestream_fetch_price_answers",
		metric.WithDescription("Price answers by the fallback layer that produced them"),
		metric.WithUnit("{answer}"))
	fm.batchSymbols, _ = meter.Int64Histogram("quotestream_fetch_batch_symbols",
		metric.WithDescription("Symbols per coalesced price batch"),
		metric.WithUnit("{symbol}"))
	fm.batchChunks, _ = meter.Int64Counter("quotestream_fetch_batch_requests",
		metric.WithDescription("Snapshot requests issued by coalesced batches"),
		metric.WithUnit("{request}"))
	fm.detailFailures, _ = meter.Int64Counter("quotestream_fetch_option_detail_failures",
		metric.WithDescription("Option contracts whose detail could not be resolved"),
		metric.WithUnit("{contract}"))
	return fm
}

func (fm *fetchMetrics) recordSource(ctx context.Context, source market.Source) {
	if fm == nil || fm.answers == nil {
		return
	}
	fm.answers.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(fm.environment),
		telemetry.AttrSource.String(string(source))))
}

func (fm *fetchMetrics) recordBatch(ctx context.Context, symbols, chunks int) {
	if fm == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(fm.environment))
	if fm.batchSymbols != nil {
		fm.batchSymbols.Record(ctx, int64(symbols), attrs)
	}
	if fm.batchChunks != nil {
		fm.batchChunks.Add(ctx, int64(chunks), attrs)
	}
}

func (fm *fetchMetrics) recordDetailFailures(ctx context.Context, failed int) {
	if fm == nil || fm.detailFailures == nil {
		return
	}
	fm.detailFailures.Add(ctx, int64(failed), metric.WithAttributes(
		telemetry.AttrEnvironment.String(fm.environment)))
}
