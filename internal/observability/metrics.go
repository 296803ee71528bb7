package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/pkg/models"
)

const meterName = "cs-workflows/backend"

// Metrics records engine events. Its methods match the hook signatures of
// the engine packages so they can be passed in directly.
type Metrics struct {
	thresholdFallbacks metric.Int64Counter
	compiles           metric.Int64Counter
	skippedMods        metric.Int64Counter
	transitions        metric.Int64Counter
	swept              metric.Int64Counter
}

// NewMetrics creates the instruments on the given provider. Pass
// otel.GetMeterProvider() to use the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.thresholdFallbacks, err = meter.Int64Counter("workflows.thresholds.fallbacks",
		metric.WithDescription("Threshold loads that fell back to cached or default values"),
		metric.WithUnit("{load}"),
	); err != nil {
		return nil, err
	}
	if m.compiles, err = meter.Int64Counter("workflows.templates.compiles",
		metric.WithDescription("Template compilations"),
		metric.WithUnit("{compile}"),
	); err != nil {
		return nil, err
	}
	if m.skippedMods, err = meter.Int64Counter("workflows.modifications.skipped",
		metric.WithDescription("Modifications skipped because their condition failed to evaluate"),
		metric.WithUnit("{modification}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("workflows.executions.transitions",
		metric.WithDescription("Lifecycle transition attempts"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.swept, err = meter.Int64Counter("workflows.sweeps.executions",
		metric.WithDescription("Snoozed executions handled by the sweeper"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// ThresholdFallback counts a threshold load failure.
func (m *Metrics) ThresholdFallback(ctx context.Context, err error) {
	m.thresholdFallbacks.Add(ctx, 1)
}

// Compiled counts a compilation of templateID.
func (m *Metrics) Compiled(ctx context.Context, templateID string, err error) {
	m.compiles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template_id", templateID),
		outcome(err),
	))
}

// ModificationSkipped counts a modification left out of a compilation.
func (m *Metrics) ModificationSkipped(ctx context.Context, mod models.Modification, err error) {
	m.skippedMods.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template_id", mod.TemplateID),
		attribute.String("scope", string(mod.Scope)),
	))
}

// Transitioned counts a transition attempt.
func (m *Metrics) Transitioned(ctx context.Context, action lifecycle.Action, err error) {
	attrs := []attribute.KeyValue{attribute.String("action", string(action)), outcome(err)}
	if lifecycle.IsRetryable(err) {
		attrs[1] = attribute.String("outcome", "conflict")
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Swept records the result of one sweep.
func (m *Metrics) Swept(ctx context.Context, r sweeper.Report) {
	for result, n := range map[string]int{
		"escalated": r.Escalated,
		"woken":     r.Woken,
		"refreshed": r.Refreshed,
		"raced":     r.Raced,
		"failed":    r.Failed,
	} {
		if n > 0 {
			m.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
}
