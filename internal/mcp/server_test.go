package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/internal/condition"
	"cs-workflows/backend/internal/eligibility"
	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/internal/services"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

const riskTemplate = `{
	"template_id": "risk-playbook",
	"name": "Risk review",
	"category": "risk",
	"steps": [{"id": "call", "title": "Call {{name}}", "kind": "prompt", "payload": {"text": "Risk is {{scores.risk}}"}}]
}`

func newTestServer(t *testing.T) (*Server, *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	clock := func() time.Time { return testNow }

	eval, err := condition.NewEvaluator()
	require.NoError(t, err)
	sched := scheduler.New(scheduler.WithClock(clock))
	svc := services.NewWorkflowService(
		store,
		eligibility.NewEngine(thresholds.NewCache(store), eligibility.WithClock(clock)),
		compiler.NewCompiler(store, compiler.NewResolver(store, eval)),
		hydrate.New(),
		sched,
	)
	machine := lifecycle.NewMachine(store, store, sched, lifecycle.WithClock(clock))

	var tmpl models.Template
	require.NoError(t, json.Unmarshal([]byte(riskTemplate), &tmpl))
	require.NoError(t, store.SaveTemplate(ctx, &tmpl))

	for id, risk := range map[string]float64{"c1": 64, "c2": 90} {
		require.NoError(t, store.SaveSnapshot(ctx, models.Snapshot{
			"id":         id,
			"company_id": "acme",
			"name":       "Customer " + id,
			"account":    map[string]any{"plan": "invest"},
			"financial":  map[string]any{"revenue_tier": 2},
			"scores":     map[string]any{"risk": risk},
		}))
	}

	s := NewServer(svc, machine, sweeper.New(store, machine, sched), store, logging.NewNop())
	return s, store
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func decodeResult[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func TestNewServer(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NotNil(t, s.GetMCPServer())
}

func TestDetermineAndExplainWorkflows(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleDetermineWorkflows(ctx, callRequest("determine_workflows", map[string]any{"customer_id": "c1"}))
	require.NoError(t, err)
	got := decodeResult[struct {
		CustomerID string            `json:"customer_id"`
		Categories []models.Category `json:"categories"`
	}](t, res)
	assert.Equal(t, "c1", got.CustomerID)
	assert.Contains(t, got.Categories, models.CategoryRisk)

	res, err = s.handleExplainWorkflows(ctx, callRequest("explain_workflows", map[string]any{
		"snapshot": map[string]any{"id": "quiet", "account": map[string]any{"plan": "maintain"}},
	}))
	require.NoError(t, err)
	explained := decodeResult[struct {
		Reasons map[models.Category]string `json:"reasons"`
	}](t, res)
	assert.Contains(t, explained.Reasons[models.CategoryNone], "no workflows apply")

	res, err = s.handleDetermineWorkflows(ctx, callRequest("determine_workflows", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleDetermineWorkflows(ctx, callRequest("determine_workflows", map[string]any{"customer_id": "nobody"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestProvisionAndWorkQueue(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleProvisionWorkflows(ctx, callRequest("provision_workflows", map[string]any{
		"customer_ids": []any{"c1", "c2"},
	}))
	require.NoError(t, err)
	report := decodeResult[services.BatchReport](t, res)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Failed)

	res, err = s.handleGetWorkQueue(ctx, callRequest("get_work_queue", map[string]any{"company_id": "acme"}))
	require.NoError(t, err)
	summary := decodeResult[queueSummary](t, res)
	assert.Equal(t, 2, summary.Counts[scheduler.UrgencyNormal])
	assert.Zero(t, summary.Escalated)
	require.Len(t, summary.Buckets[scheduler.UrgencyNormal], 2)
	assert.Equal(t, "c2", summary.Buckets[scheduler.UrgencyNormal][0].CustomerID, "riskier customer first")

	res, err = s.handleProvisionWorkflows(ctx, callRequest("provision_workflows", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleProvisionWorkflows(ctx, callRequest("provision_workflows", map[string]any{"customer_ids": []any{"c1", 7}}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTransitionExecutionAndSweep(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleProvisionWorkflows(ctx, callRequest("provision_workflows", map[string]any{"customer_ids": []any{"c1"}}))
	require.NoError(t, err)
	report := decodeResult[services.BatchReport](t, res)
	require.Len(t, report.Results, 1)
	id := report.Results[0].Categories[0].ExecutionID
	require.NotEmpty(t, id)

	transition := func(args map[string]any) *mcp.CallToolResult {
		args["execution_id"] = id
		res, err := s.handleTransitionExecution(ctx, callRequest("transition_execution", args))
		require.NoError(t, err)
		return res
	}

	started := decodeResult[models.Execution](t, transition(map[string]any{"action": "start"}))
	assert.Equal(t, models.StatusUnderway, started.Status)

	res = transition(map[string]any{"action": "complete", "expected_status": "not_started"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "reload and retry")

	assert.True(t, transition(map[string]any{"action": "archive"}).IsError)
	assert.True(t, transition(map[string]any{"action": "snooze", "until": "tomorrow"}).IsError)
	assert.True(t, transition(map[string]any{"action": "skip"}).IsError, "skip needs a reason")

	snoozed := decodeResult[models.Execution](t, transition(map[string]any{
		"action": "snooze",
		"until":  testNow.Add(-time.Hour).Format(time.RFC3339),
	}))
	assert.Equal(t, models.StatusSnoozed, snoozed.Status)

	res, err = s.handleRunSnoozeSweep(ctx, callRequest("run_snooze_sweep", nil))
	require.NoError(t, err)
	sweep := decodeResult[sweeper.Report](t, res)
	assert.Equal(t, 1, sweep.Woken)

	e, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderway, e.Status)
}

func TestRunEscalationCheck(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleProvisionWorkflows(ctx, callRequest("provision_workflows", map[string]any{"customer_ids": []any{"c2"}}))
	require.NoError(t, err)
	id := decodeResult[services.BatchReport](t, res).Results[0].Categories[0].ExecutionID
	require.NotEmpty(t, id)

	for _, args := range []map[string]any{
		{"action": "start"},
		{"action": "snooze", "until": testNow.Add(-time.Hour).Format(time.RFC3339)},
	} {
		args["execution_id"] = id
		res, err := s.handleTransitionExecution(ctx, callRequest("transition_execution", args))
		require.NoError(t, err)
		require.False(t, res.IsError, resultText(t, res))
	}

	res, err = s.handleRunEscalationCheck(ctx, callRequest("run_escalation_check", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "No escalation user")

	res, err = s.handleRunEscalationCheck(ctx, callRequest("run_escalation_check", map[string]any{"user": "lead@acme.io"}))
	require.NoError(t, err)
	assert.Equal(t, 1, decodeResult[sweeper.Report](t, res).Escalated)

	e, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSnoozed, e.Status)
	require.NotNil(t, e.EscalationUser)
	assert.Equal(t, "lead@acme.io", *e.EscalationUser)
}
