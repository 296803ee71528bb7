package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/pkg/models"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return m, reader
}

// sum adds up the data points of a counter whose attributes include want.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
		points:
			for _, dp := range data.DataPoints {
				for _, kv := range want {
					v, ok := dp.Attributes.Value(kv.Key)
					if !ok || v != kv.Value {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.ThresholdFallback(ctx, errors.New("redis down"))
	m.Compiled(ctx, "risk-playbook", nil)
	m.Compiled(ctx, "risk-playbook", errors.New("boom"))
	m.ModificationSkipped(ctx, models.Modification{TemplateID: "risk-playbook", Scope: models.ScopeCompany}, errors.New("bad"))
	m.Transitioned(ctx, lifecycle.ActionStart, nil)
	m.Transitioned(ctx, lifecycle.ActionStart, fmt.Errorf("wrapped: %w", lifecycle.ErrStateConflict))
	m.Transitioned(ctx, lifecycle.ActionSkip, lifecycle.ErrInvalidPayload)
	m.Swept(ctx, sweeper.Report{Escalated: 2, Woken: 3, Raced: 1})

	assert.Equal(t, int64(1), sum(t, reader, "workflows.thresholds.fallbacks"))
	assert.Equal(t, int64(2), sum(t, reader, "workflows.templates.compiles", attribute.String("template_id", "risk-playbook")))
	assert.Equal(t, int64(1), sum(t, reader, "workflows.templates.compiles", attribute.String("outcome", "error")))
	assert.Equal(t, int64(1), sum(t, reader, "workflows.modifications.skipped", attribute.String("scope", "company")))

	assert.Equal(t, int64(3), sum(t, reader, "workflows.executions.transitions"))
	assert.Equal(t, int64(1), sum(t, reader, "workflows.executions.transitions",
		attribute.String("action", "start"), attribute.String("outcome", "conflict")))
	assert.Equal(t, int64(1), sum(t, reader, "workflows.executions.transitions",
		attribute.String("action", "skip"), attribute.String("outcome", "error")))

	assert.Equal(t, int64(3), sum(t, reader, "workflows.sweeps.executions", attribute.String("result", "woken")))
	assert.Equal(t, int64(1), sum(t, reader, "workflows.sweeps.executions", attribute.String("result", "raced")))
	assert.Equal(t, int64(2), sum(t, reader, "workflows.sweeps.executions", attribute.String("result", "escalated")))
	assert.Zero(t, sum(t, reader, "workflows.sweeps.executions", attribute.String("result", "failed")))
}

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{Enabled: false}, logging.NewNop())
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_RequiresEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "workflows"}, logging.NewNop())
	assert.Error(t, err)
}
