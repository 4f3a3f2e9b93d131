package replica

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/pslog"
)

type replicaMetrics struct {
	requests metric.Int64Counter
	stale    metric.Int64Counter
	faults   metric.Int64Counter
}

func newReplicaMetrics(logger pslog.Logger) *replicaMetrics {
	meter := otel.Meter("pkt.systems/keyrename/replica")
	m := &replicaMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"keyrename.replica.requests",
		metric.WithDescription("Protocol requests handled by the replica"),
	)
	logMetricInitError(logger, "keyrename.replica.requests", err)

	m.stale, err = meter.Int64Counter(
		"keyrename.replica.stale",
		metric.WithDescription("Requests discarded by the fence"),
	)
	logMetricInitError(logger, "keyrename.replica.stale", err)

	m.faults, err = meter.Int64Counter(
		"keyrename.replica.faults",
		metric.WithDescription("Protocol violations detected by the replica"),
	)
	logMetricInitError(logger, "keyrename.replica.faults", err)

	return m
}

func (m *replicaMetrics) recordRequest(ctx context.Context, id protocol.StoreID, kind protocol.Kind, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.Int64("keyrename.store_id", int64(id)),
		attribute.String("keyrename.kind", kind.String()),
		attribute.String("keyrename.outcome", outcome),
	))
}

func (m *replicaMetrics) recordStale(ctx context.Context, id protocol.StoreID, kind protocol.Kind) {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.Int64("keyrename.store_id", int64(id)),
		attribute.String("keyrename.kind", kind.String()),
	))
}

func (m *replicaMetrics) recordFault(ctx context.Context, id protocol.StoreID) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.Int64("keyrename.store_id", int64(id)),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
