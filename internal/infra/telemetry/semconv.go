// Package telemetry provides OpenTelemetry initialization and semantic conventions for quotestream.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for quotestream telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSegment identifies the market segment (equity, option) a signal belongs to.
	AttrSegment = attribute.Key("segment")
	// AttrSymbol captures the normalized instrument symbol (e.g. AAPL, O:SPY250620C00500000).
	AttrSymbol = attribute.Key("symbol")
	// AttrTier labels delivery telemetry with the priority tier in force.
	AttrTier = attribute.Key("tier")
	// AttrEventType annotates bus telemetry with the closed event tag.
	AttrEventType = attribute.Key("event.type")
	// AttrMessageType differentiates inbound payload classes (status, trade, quote).
	AttrMessageType = attribute.Key("message.type")
	// AttrCacheKind labels cache telemetry by data kind (price, option_chain, ...).
	AttrCacheKind = attribute.Key("cache.kind")
	// AttrRoute distinguishes proxied and direct REST calls.
	AttrRoute = attribute.Key("rest.route")
	// AttrEndpoint names the logical REST endpoint (prev_close, option_snapshot, ...).
	AttrEndpoint = attribute.Key("rest.endpoint")
	// AttrOperation differentiates specific operations (subscribe, unsubscribe, auth).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrSource records which fallback layer answered a price request.
	AttrSource = attribute.Key("price.source")
	// AttrAppState labels lifecycle transitions (foreground, background).
	AttrAppState = attribute.Key("app.state")
	// AttrMigrationSource names the migration set (a directory or "embedded").
	AttrMigrationSource = attribute.Key("migrations.source")
)

// SegmentAttributes returns common attributes for per-segment stream metrics.
func SegmentAttributes(environment, segment string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSegment.String(segment),
	}
}

// TickAttributes returns attributes for tick delivery metrics.
func TickAttributes(environment, segment, tier string) []attribute.KeyValue {
	attrs := SegmentAttributes(environment, segment)
	if tier != "" {
		attrs = append(attrs, AttrTier.String(tier))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, segment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSegment.String(segment),
		AttrConnectionState.String(state),
	}
}

// CacheAttributes returns attributes for cache lookups.
func CacheAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCacheKind.String(kind),
		AttrResult.String(result),
	}
}

// RESTAttributes returns attributes for REST request metrics.
func RESTAttributes(environment, route, endpoint, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoute.String(route),
		AttrEndpoint.String(endpoint),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, segment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSegment.String(segment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
