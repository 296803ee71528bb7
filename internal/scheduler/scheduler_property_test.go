//go:build property
// +build property

package scheduler_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/pkg/models"
)

// Property: recomputing with unchanged inputs never changes the score.
func TestComputePriorityIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	s := scheduler.New(scheduler.WithClock(func() time.Time { return now }))
	categories := []models.Category{
		models.CategoryRisk, models.CategoryOpportunity, models.CategoryStrategic,
		models.CategoryRenewal, models.CategoryCustom,
	}

	properties.Property("score is stable", prop.ForAll(
		func(cat int, tier int, risk, usage float64, snoozeHours int, isSnoozed bool) bool {
			e := &models.Execution{Category: categories[cat], Status: models.StatusUnderway}
			if isSnoozed {
				until := now.Add(time.Duration(snoozeHours) * time.Hour)
				e.Status, e.SnoozeUntil = models.StatusSnoozed, &until
			}
			snap := models.Snapshot{
				"financial": map[string]any{"revenue_tier": tier},
				"scores":    map[string]any{"risk": risk, "usage": usage},
			}
			first := s.ComputePriority(e, snap)
			e.PriorityScore = first
			return s.ComputePriority(e, snap) == first && s.ComputePriority(e.Clone(), snap) == first
		},
		gen.IntRange(0, len(categories)-1),
		gen.IntRange(0, 5),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.IntRange(-24*400, 24*400),
		gen.Bool(),
	))

	properties.Property("overdue snoozes outrank active work", prop.ForAll(
		func(daysOverdue int, tier int, risk float64) bool {
			until := now.AddDate(0, 0, -daysOverdue)
			due := &models.Execution{Category: models.CategoryCustom, Status: models.StatusSnoozed, SnoozeUntil: &until}
			active := &models.Execution{Category: models.CategoryRisk, Status: models.StatusUnderway}
			snap := models.Snapshot{"financial": map[string]any{"revenue_tier": tier}, "scores": map[string]any{"risk": risk}}
			return s.ComputePriority(due, snap) > s.ComputePriority(active, snap)
		},
		gen.IntRange(0, 365),
		gen.IntRange(0, 3),
		gen.Float64Range(0, 15),
	))

	properties.TestingRun(t)
}
