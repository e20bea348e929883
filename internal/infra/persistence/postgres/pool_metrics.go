package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"quotestream_db_pool_connections_total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"quotestream_db_pool_connections_idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"quotestream_db_pool_connections_acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
	{"quotestream_db_pool_connections_constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
}

// ObservePoolMetrics registers observable gauges reporting pgx pool health
// under poolName ("primary" when empty).
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}
