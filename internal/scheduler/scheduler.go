// Package scheduler computes execution priority scores and orders the work
// queue.
package scheduler

import (
	"math"
	"sort"
	"time"

	"cs-workflows/backend/pkg/models"
)

// Snoozed executions due within this many days, or already overdue, rank
// above every active execution.
const dueSoonDays = 3

const (
	overdueBase     = 1000
	futureSnoozeTop = 400
)

// categoryBase is the starting score of an active execution.
var categoryBase = map[models.Category]int{
	models.CategoryRisk:        900,
	models.CategoryOpportunity: 800,
	models.CategoryStrategic:   700,
	models.CategoryRenewal:     600,
	models.CategoryCustom:      500,
}

// Urgency buckets the work queue by snooze due date.
type Urgency string

const (
	UrgencyOverdue  Urgency = "overdue"
	UrgencyCritical Urgency = "critical"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyUpcoming Urgency = "upcoming"
	UrgencyNormal   Urgency = "normal"
)

// Urgencies lists the buckets from most to least pressing.
var Urgencies = []Urgency{UrgencyOverdue, UrgencyCritical, UrgencyUrgent, UrgencyUpcoming, UrgencyNormal}

// Scheduler scores executions. Its only dependency is the clock.
type Scheduler struct {
	now func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.now() }

// DaysOverdue returns floor((now - snooze_until) / 24h) for a snoozed
// execution. Negative values mean the snooze is still running.
func (s *Scheduler) DaysOverdue(e *models.Execution) (int, bool) {
	if e.Status != models.StatusSnoozed || e.SnoozeUntil == nil {
		return 0, false
	}
	return int(math.Floor(s.now().Sub(*e.SnoozeUntil).Hours() / 24)), true
}

// ComputePriority returns the score of e given the customer snapshot. The
// result depends only on e, snap and the clock.
func (s *Scheduler) ComputePriority(e *models.Execution, snap models.Snapshot) int {
	if d, ok := s.DaysOverdue(e); ok {
		if d >= -dueSoonDays {
			return overdueBase + d
		}
		return max(0, futureSnoozeTop-abs(d))
	}

	score := float64(categoryBase[e.Category])
	if tier, ok := snap.Number(models.PathRevenueTier); ok {
		score += tier * 5
	}
	switch e.Category {
	case models.CategoryRisk:
		if risk, ok := snap.Number(models.PathRiskScore); ok {
			score += risk * 5
		}
	case models.CategoryOpportunity:
		if usage, ok := snap.Number(models.PathUsageScore); ok {
			score += usage / 10
		}
	}
	return int(math.Floor(score))
}

// Urgency classifies e by how far its snooze boundary is from now.
// Executions that are not snoozed are normal.
func (s *Scheduler) Urgency(e *models.Execution) Urgency {
	d, ok := s.DaysOverdue(e)
	if !ok {
		return UrgencyNormal
	}
	switch {
	case d > 0:
		return UrgencyOverdue
	case d == 0:
		return UrgencyCritical
	case d >= -2:
		return UrgencyUrgent
	case d >= -7:
		return UrgencyUpcoming
	}
	return UrgencyNormal
}

// Buckets groups execs by urgency, each bucket in queue order.
func (s *Scheduler) Buckets(execs []*models.Execution) map[Urgency][]*models.Execution {
	ranked := append([]*models.Execution(nil), execs...)
	Rank(ranked)
	out := make(map[Urgency][]*models.Execution, len(Urgencies))
	for _, u := range Urgencies {
		out[u] = []*models.Execution{}
	}
	for _, e := range ranked {
		u := s.Urgency(e)
		out[u] = append(out[u], e)
	}
	return out
}

// Rank sorts execs in place: highest score first, then oldest first, then
// by id.
func Rank(execs []*models.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		a, b := execs[i], execs[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
