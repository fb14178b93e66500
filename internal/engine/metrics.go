package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	assigned         metric.Int64Counter
	denied           metric.Int64Counter
	warnings         metric.Int64Counter
	bonuses          metric.Int64Counter
	reclaimed        metric.Int64Counter
	rotationFailures metric.Int64Counter
	activeGauge      metric.Int64ObservableGauge
}

func newEngineMetrics(logger pslog.Logger, active func() int64) *engineMetrics {
	meter := otel.Meter("pkt.systems/rentd/engine")
	m := &engineMetrics{}
	var err error

	m.assigned, err = meter.Int64Counter(
		"rentd.lease.assigned",
		metric.WithDescription("Leases assigned to new orders"),
	)
	logMetricInitError(logger, "rentd.lease.assigned", err)

	m.denied, err = meter.Int64Counter(
		"rentd.lease.denied",
		metric.WithDescription("Orders denied because the pool had no free credential"),
	)
	logMetricInitError(logger, "rentd.lease.denied", err)

	m.warnings, err = meter.Int64Counter(
		"rentd.lease.warnings",
		metric.WithDescription("Expiry warnings sent"),
	)
	logMetricInitError(logger, "rentd.lease.warnings", err)

	m.bonuses, err = meter.Int64Counter(
		"rentd.lease.bonus_granted",
		metric.WithDescription("One-time bonus extensions granted"),
	)
	logMetricInitError(logger, "rentd.lease.bonus_granted", err)

	m.reclaimed, err = meter.Int64Counter(
		"rentd.lease.reclaimed",
		metric.WithDescription("Leases reclaimed after expiry"),
	)
	logMetricInitError(logger, "rentd.lease.reclaimed", err)

	m.rotationFailures, err = meter.Int64Counter(
		"rentd.lease.rotation_failures",
		metric.WithDescription("Credential rotations that failed during reclamation"),
	)
	logMetricInitError(logger, "rentd.lease.rotation_failures", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"rentd.lease.active",
		metric.WithDescription("Currently active leases"),
	)
	logMetricInitError(logger, "rentd.lease.active", err)

	if m.activeGauge != nil && active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, active())
			return nil
		}, m.activeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "rentd.lease.active", "error", err)
		}
	}
	return m
}

func (m *engineMetrics) recordAssigned(ctx context.Context) {
	if m != nil && m.assigned != nil {
		m.assigned.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordDenied(ctx context.Context) {
	if m != nil && m.denied != nil {
		m.denied.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordWarning(ctx context.Context, threshold time.Duration) {
	if m != nil && m.warnings != nil {
		m.warnings.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("rentd.warning.threshold_minutes", int(threshold.Minutes())),
		))
	}
}

func (m *engineMetrics) recordBonus(ctx context.Context) {
	if m != nil && m.bonuses != nil {
		m.bonuses.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordReclaimed(ctx context.Context) {
	if m != nil && m.reclaimed != nil {
		m.reclaimed.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordRotationFailure(ctx context.Context) {
	if m != nil && m.rotationFailures != nil {
		m.rotationFailures.Add(ctx, 1)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}
