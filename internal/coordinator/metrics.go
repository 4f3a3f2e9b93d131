package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	attempts       metric.Int64Counter
	transitions    metric.Int64Counter
	recoveries     metric.Int64Counter
	ignored        metric.Int64Counter
	retransmits    metric.Int64Counter
	sends          metric.Int64Counter
	commitDuration metric.Int64Histogram
	saveDuration   metric.Int64Histogram
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/keyrename/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.attempts, err = meter.Int64Counter(
		"keyrename.coordinator.attempts",
		metric.WithDescription("Rename attempts by outcome"),
	)
	logMetricInitError(logger, "keyrename.coordinator.attempts", err)

	m.transitions, err = meter.Int64Counter(
		"keyrename.coordinator.transitions",
		metric.WithDescription("Coordinator phase transitions"),
	)
	logMetricInitError(logger, "keyrename.coordinator.transitions", err)

	m.recoveries, err = meter.Int64Counter(
		"keyrename.coordinator.recoveries",
		metric.WithDescription("Crash recoveries that resumed an unfinished attempt"),
	)
	logMetricInitError(logger, "keyrename.coordinator.recoveries", err)

	m.ignored, err = meter.Int64Counter(
		"keyrename.coordinator.responses.ignored",
		metric.WithDescription("Responses dropped by epoch or phase checks"),
	)
	logMetricInitError(logger, "keyrename.coordinator.responses.ignored", err)

	m.retransmits, err = meter.Int64Counter(
		"keyrename.coordinator.retransmits",
		metric.WithDescription("Requests re-emitted to stores that have not acknowledged"),
	)
	logMetricInitError(logger, "keyrename.coordinator.retransmits", err)

	m.sends, err = meter.Int64Counter(
		"keyrename.coordinator.sends",
		metric.WithDescription("Driver deliveries by result"),
	)
	logMetricInitError(logger, "keyrename.coordinator.sends", err)

	m.commitDuration, err = meter.Int64Histogram(
		"keyrename.coordinator.commit.duration_ms",
		metric.WithDescription("Time spent making the commit decision durable"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "keyrename.coordinator.commit.duration_ms", err)

	m.saveDuration, err = meter.Int64Histogram(
		"keyrename.coordinator.state.save.duration_ms",
		metric.WithDescription("Durable state save latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "keyrename.coordinator.state.save.duration_ms", err)

	return m
}

func (m *coordinatorMetrics) recordAttempt(ctx context.Context, outcome string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("keyrename.outcome", outcome)))
}

func (m *coordinatorMetrics) recordTransition(ctx context.Context, from, to protocol.Phase) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("keyrename.phase.from", from.String()),
		attribute.String("keyrename.phase.to", to.String()),
	))
}

func (m *coordinatorMetrics) recordRecovery(ctx context.Context, committed bool) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.Bool("keyrename.wal_committed", committed)))
}

func (m *coordinatorMetrics) recordIgnored(ctx context.Context, kind protocol.Kind, reason string) {
	if m == nil || m.ignored == nil {
		return
	}
	m.ignored.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("keyrename.kind", kind.String()),
		attribute.String("keyrename.reason", reason),
	))
}

func (m *coordinatorMetrics) recordRetransmit(ctx context.Context, phase protocol.Phase, count int) {
	if m == nil || m.retransmits == nil {
		return
	}
	m.retransmits.Add(metricContext(ctx), int64(count), metric.WithAttributes(attribute.String("keyrename.phase", phase.String())))
}

func (m *coordinatorMetrics) recordSend(ctx context.Context, kind protocol.Kind, result string) {
	if m == nil || m.sends == nil {
		return
	}
	m.sends.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("keyrename.kind", kind.String()),
		attribute.String("keyrename.result", result),
	))
}

func (m *coordinatorMetrics) recordCommit(ctx context.Context, duration time.Duration) {
	if m == nil || m.commitDuration == nil {
		return
	}
	m.commitDuration.Record(metricContext(ctx), duration.Milliseconds())
}

func (m *coordinatorMetrics) recordSave(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.saveDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saveDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attribute.String("keyrename.result", result)))
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
