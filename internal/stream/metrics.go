package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

type streamMetrics struct {
	environment string

	reconnects       metric.Int64Counter
	stateChanges     metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	pingLatency      metric.Float64Histogram
	reconnectDelay   metric.Float64Histogram
	ticksDelivered   metric.Int64Counter
	ticksThrottled   metric.Int64Counter
	wireChannels     metric.Int64UpDownCounter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("stream")
	sm := &streamMetrics{environment: telemetry.Environment()}

	sm.reconnects, _ = meter.Int64Counter("quotestream_stream_reconnects",
		metric.WithDescription("Streaming connection attempts by result"),
		metric.WithUnit("{attempt}"))

	sm.stateChanges, _ = meter.Int64Counter("quotestream_stream_state_changes",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))

	sm.controlMessages, _ = meter.Int64Counter("quotestream_stream_control_messages",
		metric.WithDescription("Control frames sent on streaming connections"),
		metric.WithUnit("{message}"))

	sm.messagesReceived, _ = meter.Int64Counter("quotestream_stream_messages",
		metric.WithDescription("Inbound frames received on streaming connections"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("quotestream_stream_message_bytes",
		metric.WithDescription("Size of inbound streaming frames"),
		metric.WithUnit("By"))

	sm.pingLatency, _ = meter.Float64Histogram("quotestream_stream_ping_latency",
		metric.WithDescription("Latency of ping frames on streaming connections"),
		metric.WithUnit("ms"))

	sm.reconnectDelay, _ = meter.Float64Histogram("quotestream_stream_reconnect_delay",
		metric.WithDescription("Delay scheduled before the next reconnect attempt"),
		metric.WithUnit("ms"))

	sm.ticksDelivered, _ = meter.Int64Counter("quotestream_stream_ticks_delivered",
		metric.WithDescription("Ticks forwarded to listeners"),
		metric.WithUnit("{tick}"))

	sm.ticksThrottled, _ = meter.Int64Counter("quotestream_stream_ticks_throttled",
		metric.WithDescription("Ticks cached but withheld from listeners by the throttle"),
		metric.WithUnit("{tick}"))

	sm.wireChannels, _ = meter.Int64UpDownCounter("quotestream_stream_wire_symbols",
		metric.WithDescription("Symbols currently subscribed on the wire"),
		metric.WithUnit("{symbol}"))

	return sm
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, segment market.Segment, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	attrs = append(attrs, telemetry.AttrResult.String(result))
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordState(ctx context.Context, segment market.Segment, state market.ConnectionState) {
	if sm == nil || sm.stateChanges == nil {
		return
	}
	attrs := telemetry.ConnectionAttributes(sm.environment, segment.String(), string(state))
	sm.stateChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordControl(ctx context.Context, segment market.Segment, action string, channels int) {
	if sm == nil || sm.controlMessages == nil || channels == 0 {
		return
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	attrs = append(attrs, telemetry.AttrOperation.String(action))
	sm.controlMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordMessage(ctx context.Context, segment market.Segment, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordPing(ctx context.Context, segment market.Segment, latency time.Duration, result string) {
	if sm == nil || sm.pingLatency == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	attrs = append(attrs, telemetry.AttrResult.String(result))
	sm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordDelay(ctx context.Context, segment market.Segment, delay time.Duration) {
	if sm == nil || sm.reconnectDelay == nil {
		return
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	sm.reconnectDelay.Record(ctx, float64(delay.Milliseconds()), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordTick(ctx context.Context, segment market.Segment, tier market.Tier, delivered bool) {
	if sm == nil {
		return
	}
	attrs := telemetry.TickAttributes(sm.environment, segment.String(), tier.String())
	if delivered {
		if sm.ticksDelivered != nil {
			sm.ticksDelivered.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return
	}
	if sm.ticksThrottled != nil {
		sm.ticksThrottled.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (sm *streamMetrics) adjustWire(ctx context.Context, segment market.Segment, delta int) {
	if sm == nil || sm.wireChannels == nil || delta == 0 {
		return
	}
	attrs := telemetry.SegmentAttributes(sm.environment, segment.String())
	sm.wireChannels.Add(ctx, int64(delta), metric.WithAttributes(attrs...))
}
