package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/pkg/models"
)

// runStoreSuite exercises the Store contract. Both the in-memory and the
// Postgres implementations must pass it.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("template versions", func(t *testing.T) {
		tid := "onboarding-" + uuid.NewString()
		v1 := &models.Template{
			TemplateID: tid,
			Name:       "Onboarding",
			Category:   models.CategoryStrategic,
			Steps: []models.Step{
				{ID: "s1", Title: "Kickoff with {{name}}", Payload: models.PromptPayload{Text: "Say hello"}},
			},
			Artifacts: []models.Artifact{
				{ID: "a1", Title: "Plan", Kind: "document", Content: models.SectionNode{
					Heading:  "Goals",
					Children: []models.Node{models.TextNode{Text: "Grow"}},
				}},
			},
		}
		require.NoError(t, store.SaveTemplate(ctx, v1))
		assert.Equal(t, 1, v1.Version)
		assert.NotEmpty(t, v1.ID)

		v2 := v1.Clone()
		v2.ID = ""
		v2.Name = "Onboarding v2"
		require.NoError(t, store.SaveTemplate(ctx, v2))
		assert.Equal(t, 2, v2.Version)

		latest, err := store.GetTemplate(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Equal(t, "Onboarding v2", latest.Name)
		require.Len(t, latest.Steps, 1)
		assert.Equal(t, models.PromptPayload{Text: "Say hello"}, latest.Steps[0].Payload)
		require.Len(t, latest.Artifacts, 1)
		assert.Equal(t, models.NodeKindSection, latest.Artifacts[0].Content.NodeKind())

		first, err := store.GetTemplateVersion(ctx, tid, 1)
		require.NoError(t, err)
		assert.Equal(t, "Onboarding", first.Name)

		byCategory, err := store.LatestForCategory(ctx, models.CategoryStrategic)
		require.NoError(t, err)
		assert.Equal(t, tid, byCategory.TemplateID)
		assert.Equal(t, 2, byCategory.Version)

		all, err := store.ListTemplates(ctx)
		require.NoError(t, err)
		var found int
		for _, tmpl := range all {
			if tmpl.TemplateID == tid {
				found++
				assert.Equal(t, 2, tmpl.Version)
			}
		}
		assert.Equal(t, 1, found)

		_, err = store.GetTemplate(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetTemplateVersion(ctx, tid, 9)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.LatestForCategory(ctx, models.CategoryCustom)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("modifications", func(t *testing.T) {
		tid := "tmpl-" + uuid.NewString()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		later := &models.Modification{
			TemplateID: tid, Scope: models.ScopeCompany, AppliesTo: "acme",
			Condition: "customer.scores.risk > 60",
			Operation: models.RemoveStep{StepID: "s2"},
			CreatedAt: base.Add(time.Hour),
		}
		earlier := &models.Modification{
			TemplateID: tid, Scope: models.ScopeGlobal,
			Operation: models.InsertStep{
				Steps: []models.Step{{ID: "x", Title: "Extra", Payload: models.ChecklistPayload{Items: []string{"a"}}}},
				After: "s1",
			},
			CreatedAt: base,
		}
		require.NoError(t, store.SaveModification(ctx, later))
		require.NoError(t, store.SaveModification(ctx, earlier))
		assert.NotEmpty(t, later.ID)

		mods, err := store.ListModifications(ctx, tid)
		require.NoError(t, err)
		require.Len(t, mods, 2)
		assert.Equal(t, earlier.ID, mods[0].ID)
		assert.Equal(t, models.InsertStep{
			Steps: []models.Step{{ID: "x", Title: "Extra", Payload: models.ChecklistPayload{Items: []string{"a"}}}},
			After: "s1",
		}, mods[0].Operation)
		assert.Equal(t, "acme", mods[1].AppliesTo)
		assert.Equal(t, models.RemoveStep{StepID: "s2"}, mods[1].Operation)

		none, err := store.ListModifications(ctx, "other-"+uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("execution compare and swap", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, store.CreateExecution(ctx, e))
		assert.Equal(t, 1, e.Version)

		got, err := store.GetExecution(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNotStarted, got.Status)
		assert.Equal(t, "v", got.Data["k"])

		got.Status = models.StatusUnderway
		require.NoError(t, store.UpdateExecution(ctx, got, models.StatusNotStarted, 1))
		assert.Equal(t, 2, got.Version)

		stale := got.Clone()
		stale.Status = models.StatusCompleted
		err = store.UpdateExecution(ctx, stale, models.StatusNotStarted, 1)
		assert.ErrorIs(t, err, ErrPreconditionFailed)

		missing := newTestExecution()
		err = store.UpdateExecution(ctx, missing, models.StatusNotStarted, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetExecution(ctx, "nope-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent updates have a single winner", func(t *testing.T) {
		e := newTestExecution()
		e.Status = models.StatusUnderway
		require.NoError(t, store.CreateExecution(ctx, e))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := e.Clone()
				next.Status = models.StatusCompleted
				err := store.UpdateExecution(ctx, next, models.StatusUnderway, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrPreconditionFailed):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("one active execution per customer category template", func(t *testing.T) {
		e := newTestExecution()
		require.NoError(t, store.CreateExecution(ctx, e))

		dup := newTestExecution()
		dup.CustomerID = e.CustomerID
		assert.ErrorIs(t, store.CreateExecution(ctx, dup), ErrAlreadyExists)

		active, err := store.FindActiveExecution(ctx, e.CustomerID, e.Category, e.TemplateID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, active.ID)

		now := time.Now().UTC()
		e.Status = models.StatusSkipped
		reason := "churned"
		e.SkipReason = &reason
		e.SkippedAt = &now
		require.NoError(t, store.UpdateExecution(ctx, e, models.StatusNotStarted, 1))

		_, err = store.FindActiveExecution(ctx, e.CustomerID, e.Category, e.TemplateID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, store.CreateExecution(ctx, dup))
	})

	t.Run("list executions", func(t *testing.T) {
		company := "co-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Second)
		past, future := now.Add(-time.Hour), now.Add(48*time.Hour)

		due := newTestExecution()
		due.CompanyID = company
		due.Status = models.StatusSnoozed
		due.SnoozeUntil = &past
		due.SnoozedAt = &past

		notDue := newTestExecution()
		notDue.CompanyID = company
		notDue.Status = models.StatusSnoozed
		notDue.SnoozeUntil = &future
		notDue.SnoozedAt = &past

		underway := newTestExecution()
		underway.CompanyID = company
		underway.Status = models.StatusUnderway

		for _, e := range []*models.Execution{due, notDue, underway} {
			require.NoError(t, store.CreateExecution(ctx, e))
		}

		all, err := store.ListExecutions(ctx, models.ExecutionFilter{CompanyID: company})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		snoozed, err := store.ListExecutions(ctx, models.ExecutionFilter{
			CompanyID: company, Statuses: []models.ExecutionStatus{models.StatusSnoozed},
		})
		require.NoError(t, err)
		assert.Len(t, snoozed, 2)

		dueNow, err := store.ListExecutions(ctx, models.ExecutionFilter{CompanyID: company, DueBefore: &now})
		require.NoError(t, err)
		require.Len(t, dueNow, 1)
		assert.Equal(t, due.ID, dueNow[0].ID)
		require.NotNil(t, dueNow[0].SnoozeUntil)
		assert.True(t, past.Equal(*dueNow[0].SnoozeUntil))

		limited, err := store.ListExecutions(ctx, models.ExecutionFilter{CompanyID: company, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("thresholds", func(t *testing.T) {
		require.NoError(t, store.SetThreshold(ctx, models.ThresholdRiskScoreMin, "50"))
		require.NoError(t, store.SetThreshold(ctx, models.ThresholdRiskScoreMin, "55"))
		values, err := store.LoadThresholds(ctx)
		require.NoError(t, err)
		assert.Equal(t, "55", values[models.ThresholdRiskScoreMin])
	})

	t.Run("companies", func(t *testing.T) {
		id := "co-" + uuid.NewString()
		c := &models.Company{ID: id, Name: "Acme", Domain: id + ".example.com"}
		require.NoError(t, store.SaveCompany(ctx, c))

		got, err := store.GetCompany(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Acme", got.Name)

		byDomain, err := store.GetCompanyByDomain(ctx, id+".example.com")
		require.NoError(t, err)
		assert.Equal(t, id, byDomain.ID)

		_, err = store.GetCompany(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("snapshots", func(t *testing.T) {
		id := "cust-" + uuid.NewString()
		snap := models.Snapshot{"id": id, "company_id": "acme", "scores": map[string]any{"risk": 64.0}}
		require.NoError(t, store.SaveSnapshot(ctx, snap))

		got, err := store.GetSnapshot(ctx, id)
		require.NoError(t, err)
		risk, ok := got.Number(models.PathRiskScore)
		assert.True(t, ok)
		assert.Equal(t, 64.0, risk)

		_, err = store.GetSnapshot(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Error(t, store.SaveSnapshot(ctx, models.Snapshot{"name": "anonymous"}))
	})
}

func newTestExecution() *models.Execution {
	return &models.Execution{
		ID:              uuid.NewString(),
		TemplateID:      "risk-playbook",
		TemplateVersion: 1,
		Category:        models.CategoryRisk,
		CustomerID:      "cust-" + uuid.NewString(),
		Status:          models.StatusNotStarted,
		PriorityScore:   900,
		Data:            map[string]any{"k": "v"},
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}
