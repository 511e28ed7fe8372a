package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hakobi/internal/telemetry"
)

// RegisterPoolMetrics exports connection pool statistics as observable
// gauges. Call it after telemetry.Init so the global meter provider is set.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("hakobi/storage")

	total, err := meter.Int64ObservableGauge("hakobi.db.pool.connections",
		metric.WithDescription("Connections currently held by the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "error", err)
		return
	}
	idle, err := meter.Int64ObservableGauge("hakobi.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "error", err)
		return
	}
	waits, err := meter.Int64ObservableCounter("hakobi.db.pool.empty_acquires",
		metric.WithDescription("Acquires that waited for a connection"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "error", err)
		return
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := db.pool.Stat()
		o.ObserveInt64(total, int64(s.TotalConns()))
		o.ObserveInt64(idle, int64(s.IdleConns()))
		o.ObserveInt64(waits, s.EmptyAcquireCount())
		return nil
	}, total, idle, waits)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback", "error", err)
	}
}
