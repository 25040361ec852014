package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cycle results recorded on the cycle counter.
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
	ResultFailure = "failure"
)

// Scale outcomes recorded on the scale counter.
const (
	ScaleApplied  = "applied"
	ScaleDeferred = "deferred"
	ScaleConflict = "conflict"
	ScaleGone     = "gone"
	ScaleFailed   = "failed"
)

// Metrics holds the monitor's instruments. A nil *Metrics records nothing.
type Metrics struct {
	cycles  metric.Int64Counter
	scales  metric.Int64Counter
	alerts  metric.Int64Counter
	desired metric.Int64Gauge
	leases  metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(ScopeName)

	cycles, err := m.Int64Counter("scalewatch.reconcile.cycles",
		metric.WithDescription("Reconciliation cycles by stream and result."))
	if err != nil {
		return nil, fmt.Errorf("create cycles counter: %w", err)
	}
	scales, err := m.Int64Counter("scalewatch.reconcile.scales",
		metric.WithDescription("Scale decisions by stream and outcome."))
	if err != nil {
		return nil, fmt.Errorf("create scales counter: %w", err)
	}
	alerts, err := m.Int64Counter("scalewatch.alerts",
		metric.WithDescription("Operational alerts raised by reconciliation."))
	if err != nil {
		return nil, fmt.Errorf("create alerts counter: %w", err)
	}
	desired, err := m.Int64Gauge("scalewatch.reconcile.desired_replicas",
		metric.WithDescription("Last computed desired replica count per stream."))
	if err != nil {
		return nil, fmt.Errorf("create desired gauge: %w", err)
	}
	leases, err := m.Int64UpDownCounter("scalewatch.leases.held",
		metric.WithDescription("Stream leases currently held by this instance."))
	if err != nil {
		return nil, fmt.Errorf("create leases counter: %w", err)
	}
	return &Metrics{cycles: cycles, scales: scales, alerts: alerts, desired: desired, leases: leases}, nil
}

func (m *Metrics) Cycle(ctx context.Context, stream, result string) {
	if m == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("result", result),
	))
}

func (m *Metrics) Scale(ctx context.Context, stream, outcome string) {
	if m == nil {
		return
	}
	m.scales.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Alert(ctx context.Context, stream, kind string) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) Desired(ctx context.Context, stream string, replicas int) {
	if m == nil {
		return
	}
	m.desired.Record(ctx, int64(replicas), metric.WithAttributes(attribute.String("stream", stream)))
}

// LeaseHeld adjusts the held-lease count by +1 or -1.
func (m *Metrics) LeaseHeld(ctx context.Context, stream string, delta int64) {
	if m == nil {
		return
	}
	m.leases.Add(ctx, delta, metric.WithAttributes(attribute.String("stream", stream)))
}
