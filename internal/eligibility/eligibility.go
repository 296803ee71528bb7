// Package eligibility decides which workflow categories apply to a
// customer. Each category is decided on its own; a customer may qualify for
// several at once.
package eligibility

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

// Engine evaluates eligibility against the current thresholds.
type Engine struct {
	thresholds thresholds.Reader
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine reading thresholds from th.
func NewEngine(th thresholds.Reader, opts ...Option) *Engine {
	e := &Engine{thresholds: th, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type decision func(snap models.Snapshot, th models.Thresholds, now time.Time) (bool, string)

var decisions = map[models.Category]decision{
	models.CategoryRisk:        decideRisk,
	models.CategoryOpportunity: decideOpportunity,
	models.CategoryStrategic:   decideStrategic,
	models.CategoryRenewal:     decideRenewal,
}

// DetermineWorkflows returns the categories snap qualifies for, in
// models.EligibilityCategories order.
func (e *Engine) DetermineWorkflows(ctx context.Context, snap models.Snapshot) []models.Category {
	th := e.thresholds.Get(ctx)
	now := e.now()

	categories := []models.Category{}
	for _, c := range models.EligibilityCategories {
		if ok, _ := decisions[c](snap, th, now); ok {
			categories = append(categories, c)
		}
	}
	return categories
}

// Explain returns a human readable reason for every category snap
// qualifies for. When none apply the result holds a single
// models.CategoryNone entry saying why.
func (e *Engine) Explain(ctx context.Context, snap models.Snapshot) map[models.Category]string {
	th := e.thresholds.Get(ctx)
	now := e.now()

	reasons := make(map[models.Category]string)
	var misses []string
	for _, c := range models.EligibilityCategories {
		ok, reason := decisions[c](snap, th, now)
		if ok {
			reasons[c] = reason
		} else {
			misses = append(misses, reason)
		}
	}
	if len(reasons) == 0 {
		reasons[models.CategoryNone] = "no workflows apply: " + strings.Join(misses, "; ")
	}
	return reasons
}

// ShouldHaveRenewal reports whether snap has an active renewal, or a
// renewal date that is in the future or fewer than RenewalGraceDays past.
func ShouldHaveRenewal(snap models.Snapshot, th models.Thresholds, now time.Time) bool {
	ok, _ := decideRenewal(snap, th, now)
	return ok
}

// ShouldHaveStrategic reports whether the account plan is a strategic one.
func ShouldHaveStrategic(snap models.Snapshot, th models.Thresholds) bool {
	ok, _ := decideStrategic(snap, th, time.Time{})
	return ok
}

// ShouldHaveOpportunity reports whether the opportunity score reaches the
// threshold.
func ShouldHaveOpportunity(snap models.Snapshot, th models.Thresholds) bool {
	ok, _ := decideOpportunity(snap, th, time.Time{})
	return ok
}

// ShouldHaveRisk reports whether the risk score reaches the threshold.
func ShouldHaveRisk(snap models.Snapshot, th models.Thresholds) bool {
	ok, _ := decideRisk(snap, th, time.Time{})
	return ok
}

// DaysSince returns the whole days elapsed from then to now, floored.
// Future instants give negative values.
func DaysSince(then, now time.Time) int {
	return int(math.Floor(now.Sub(then).Hours() / 24))
}

func decideRenewal(snap models.Snapshot, th models.Thresholds, now time.Time) (bool, string) {
	if id := strings.TrimSpace(snap.String(models.PathRenewalID)); id != "" {
		return true, fmt.Sprintf("active renewal %s is open", id)
	}
	date, ok := snap.Time(models.PathRenewalDate)
	if !ok {
		return false, "no active renewal and no renewal date"
	}
	overdue := DaysSince(date, now)
	day := date.Format(time.DateOnly)
	switch {
	case overdue < 0:
		return true, fmt.Sprintf("renewal date %s is %d days away", day, -overdue)
	case overdue < th.RenewalGraceDays:
		return true, fmt.Sprintf("renewal date %s passed %d days ago, within the %d day grace period", day, overdue, th.RenewalGraceDays)
	default:
		return false, fmt.Sprintf("renewal date %s passed %d days ago, beyond the %d day grace period", day, overdue, th.RenewalGraceDays)
	}
}

func decideStrategic(snap models.Snapshot, th models.Thresholds, _ time.Time) (bool, string) {
	plan := strings.ToLower(strings.TrimSpace(snap.String(models.PathAccountPlan)))
	if plan == "" {
		return false, "no account plan"
	}
	for _, p := range th.StrategicAccountPlans {
		if plan == strings.ToLower(p) {
			return true, fmt.Sprintf("account plan %q is strategic (%s)", plan, strings.Join(th.StrategicAccountPlans, ", "))
		}
	}
	return false, fmt.Sprintf("account plan %q is not strategic", plan)
}

func decideOpportunity(snap models.Snapshot, th models.Thresholds, _ time.Time) (bool, string) {
	return decideScore(snap, models.PathOpportunity, "opportunity", th.OpportunityScoreMin)
}

func decideRisk(snap models.Snapshot, th models.Thresholds, _ time.Time) (bool, string) {
	return decideScore(snap, models.PathRiskScore, "risk", th.RiskScoreMin)
}

func decideScore(snap models.Snapshot, path, label string, min float64) (bool, string) {
	score, ok := snap.Number(path)
	if !ok {
		return false, fmt.Sprintf("no %s score", label)
	}
	if score >= min {
		return true, fmt.Sprintf("%s score %s is at or above %s", label, models.FormatValue(score), models.FormatValue(min))
	}
	return false, fmt.Sprintf("%s score %s is below %s", label, models.FormatValue(score), models.FormatValue(min))
}
