package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics is the oracle engine's instrument set. A nil *EngineMetrics
// is valid and records nothing, so the engine never depends on a live
// exporter.
type EngineMetrics struct {
	evaluations  metric.Int64Counter
	findings     metric.Int64Counter
	suppressed   metric.Int64Counter
	circuitOpens metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewEngineMetrics registers the engine instruments on the meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error
	if m.evaluations, err = meter.Int64Counter("guardian.evaluations.total",
		metric.WithDescription("Oracle evaluations by mode and outcome"),
		metric.WithUnit("{evaluation}")); err != nil {
		return nil, err
	}
	if m.findings, err = meter.Int64Counter("guardian.findings.total",
		metric.WithDescription("Findings emitted after suppression"),
		metric.WithUnit("{finding}")); err != nil {
		return nil, err
	}
	if m.suppressed, err = meter.Int64Counter("guardian.findings.suppressed",
		metric.WithDescription("Findings suppressed as known false positives"),
		metric.WithUnit("{finding}")); err != nil {
		return nil, err
	}
	if m.circuitOpens, err = meter.Int64Counter("guardian.circuit.opens",
		metric.WithDescription("BLOCK contributions demoted by an open circuit"),
		metric.WithUnit("{demotion}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("guardian.evaluation.duration",
		metric.WithDescription("Evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5)); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEvaluation counts one completed evaluation.
func (m *EngineMetrics) RecordEvaluation(ctx context.Context, mode, outcome string, d time.Duration, findings, suppressed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.evaluations.Add(ctx, 1, attrs)
	m.findings.Add(ctx, int64(findings), attrs)
	m.suppressed.Add(ctx, int64(suppressed), attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordCircuitOpen counts one demotion by an open circuit.
func (m *EngineMetrics) RecordCircuitOpen(ctx context.Context, ruleID string) {
	if m == nil {
		return
	}
	m.circuitOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}
