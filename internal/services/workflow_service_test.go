package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/internal/condition"
	"cs-workflows/backend/internal/eligibility"
	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, opts ...ServiceOption) (*WorkflowService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := func() time.Time { return testNow }

	eval, err := condition.NewEvaluator()
	require.NoError(t, err)
	cache := thresholds.NewCache(store)

	svc := NewWorkflowService(
		store,
		eligibility.NewEngine(cache, eligibility.WithClock(clock)),
		compiler.NewCompiler(store, compiler.NewResolver(store, eval)),
		hydrate.New(),
		scheduler.New(scheduler.WithClock(clock)),
		opts...,
	)

	ctx := context.Background()
	require.NoError(t, store.SaveTemplate(ctx, &models.Template{
		TemplateID: "risk-playbook",
		Name:       "Risk review for {{name}}",
		Category:   models.CategoryRisk,
		Steps: []models.Step{
			{ID: "call", Title: "Call {{name}}", Payload: models.PromptPayload{Text: "Risk is {{scores.risk}}"}},
		},
	}))
	require.NoError(t, store.SaveModification(ctx, &models.Modification{
		TemplateID: "risk-playbook",
		Scope:      models.ScopeGlobal,
		Condition:  "customer.scores.risk > 60",
		Operation: models.InsertStep{Steps: []models.Step{
			{ID: "exec", Title: "Brief the {{name}} sponsor", Payload: models.ActionPayload{ActionType: "meeting"}},
		}},
	}))
	return svc, store
}

func customer(id string, risk float64) models.Snapshot {
	return models.Snapshot{
		"id":         id,
		"company_id": "acme",
		"name":       "Customer " + id,
		"account":    map[string]any{"plan": "invest"},
		"financial":  map[string]any{"revenue_tier": 2},
		"scores":     map[string]any{"risk": risk},
	}
}

func TestProvision(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.Provision(ctx, customer("c1", 64))
	require.NoError(t, err)
	require.Len(t, res.Categories, 2)

	risk := res.Categories[0]
	assert.Equal(t, models.CategoryRisk, risk.Category)
	assert.Equal(t, OutcomeCreated, risk.Outcome)
	assert.Contains(t, risk.Reason, "risk score 64")
	require.NotNil(t, risk.Execution)
	assert.Equal(t, models.StatusNotStarted, risk.Execution.Status)
	assert.Equal(t, 900+10+320, risk.Execution.PriorityScore)
	assert.Equal(t, "acme", risk.Execution.CompanyID)

	def, ok := risk.Execution.Data["definition"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Risk review for Customer c1", def["name"])
	steps, ok := def["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 2)

	strategic := res.Categories[1]
	assert.Equal(t, models.CategoryStrategic, strategic.Category)
	assert.Equal(t, OutcomeNoTemplate, strategic.Outcome)
	assert.Equal(t, 1, res.Created())

	snap, err := store.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Customer c1", snap.String("name"))

	again, err := svc.Provision(ctx, customer("c1", 64))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, again.Categories[0].Outcome)
	assert.Equal(t, risk.ExecutionID, again.Categories[0].ExecutionID)
	assert.Zero(t, again.Created())
}

func TestProvision_RescoresExistingExecution(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	first, err := svc.Provision(ctx, customer("c1", 64))
	require.NoError(t, err)
	created := first.Categories[0].Execution
	require.NotNil(t, created)
	assert.Equal(t, 900+10+320, created.PriorityScore)

	res, err := svc.Provision(ctx, customer("c1", 95))
	require.NoError(t, err)
	again := res.Categories[0]
	assert.Equal(t, OutcomeExisting, again.Outcome)
	assert.True(t, again.Rescored)
	assert.Equal(t, 900+10+475, again.Execution.PriorityScore)

	stored, err := store.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 900+10+475, stored.PriorityScore)
	assert.Equal(t, created.Version+1, stored.Version)

	// an unchanged snapshot writes nothing
	res, err = svc.Provision(ctx, customer("c1", 95))
	require.NoError(t, err)
	assert.False(t, res.Categories[0].Rescored)
	unchanged, err := store.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Version, unchanged.Version)
}

func TestProvision_NotEligible(t *testing.T) {
	svc, _ := newService(t)
	snap := models.Snapshot{"id": "quiet", "account": map[string]any{"plan": "maintain"}, "scores": map[string]any{"risk": 5}}

	res, err := svc.Provision(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, res.Categories)
	assert.Contains(t, res.Reasons[models.CategoryNone], "no workflows apply")
}

func TestProvision_RequiresCustomerID(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Provision(context.Background(), models.Snapshot{"name": "anonymous"})
	assert.Error(t, err)
}

func TestProvision_HydrationFailureIsPerCategory(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTemplate(ctx, &models.Template{
		TemplateID: "strategic-plan",
		Name:       "{{#if name}}unclosed",
		Category:   models.CategoryStrategic,
	}))

	res, err := svc.Provision(ctx, customer("c2", 64))
	require.NoError(t, err)
	require.Len(t, res.Categories, 2)
	assert.Equal(t, OutcomeCreated, res.Categories[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Categories[1].Outcome)
	assert.Contains(t, res.Categories[1].Error, "template syntax error")
}

func TestProvisionAll(t *testing.T) {
	var compiles atomic.Int32
	svc, _ := newService(t, WithParallelism(4), WithCompileHook(func(context.Context, string, error) { compiles.Add(1) }))

	snaps := make([]models.Snapshot, 0, 21)
	for i := 0; i < 20; i++ {
		snaps = append(snaps, customer(fmt.Sprintf("c%02d", i), float64(50+i)))
	}
	snaps = append(snaps, models.Snapshot{"name": "no id"})

	report, err := svc.ProvisionAll(context.Background(), snaps)
	require.NoError(t, err)
	require.Len(t, report.Results, 21)
	assert.Equal(t, 10, report.Created, "risk 60 and above qualifies")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "c00", report.Results[0].CustomerID)
	assert.NotEmpty(t, report.Results[20].Error)
	assert.Equal(t, int32(10), compiles.Load())
}

func TestRender(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	out, err := svc.Render(ctx, "risk-playbook", customer("c1", 70))
	require.NoError(t, err)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "Call Customer c1", out.Steps[0].Title)
	assert.Equal(t, models.PromptPayload{Text: "Risk is 70"}, out.Steps[0].Payload)
	assert.Equal(t, "Brief the Customer c1 sponsor", out.Steps[1].Title)

	_, err = svc.Render(ctx, "missing", customer("c1", 70))
	assert.ErrorIs(t, err, compiler.ErrTemplateNotFound)
}

func TestQueue(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	for i, risk := range []float64{61, 90, 75} {
		_, err := svc.Provision(ctx, customer(fmt.Sprintf("q%d", i), risk))
		require.NoError(t, err)
	}
	require.NoError(t, store.CreateExecution(ctx, &models.Execution{
		ID: "done", TemplateID: "risk-playbook", Category: models.CategoryRisk,
		CustomerID: "q9", Status: models.StatusCompleted, PriorityScore: 5000,
	}))

	queue, err := svc.Queue(ctx, models.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "q1", queue[0].CustomerID)
	assert.Equal(t, "q2", queue[1].CustomerID)
	assert.Equal(t, "q0", queue[2].CustomerID)

	top, err := svc.Queue(ctx, models.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "q1", top[0].CustomerID)

	buckets, err := svc.WorkQueue(ctx, models.ExecutionFilter{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Len(t, buckets[scheduler.UrgencyNormal], 3)
	assert.Empty(t, buckets[scheduler.UrgencyOverdue])
}
