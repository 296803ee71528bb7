// Package sweeper wakes snoozed executions whose snooze has run out and
// keeps the priority of the remaining snoozed executions current. When an
// escalation user is configured it also escalates executions that are due
// today or overdue before waking them.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/pkg/models"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Minute

// Store lists and updates executions.
type Store interface {
	ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.Execution, error)
	UpdateExecution(ctx context.Context, e *models.Execution, expectedStatus models.ExecutionStatus, expectedVersion int) error
}

// Transitioner applies lifecycle actions.
type Transitioner interface {
	Transition(ctx context.Context, id string, action lifecycle.Action, p lifecycle.Payload) (*models.Execution, error)
}

// Prioritizer scores and classifies snoozed executions.
type Prioritizer interface {
	ComputePriority(e *models.Execution, snap models.Snapshot) int
	Urgency(e *models.Execution) scheduler.Urgency
	Now() time.Time
}

// ErrNoEscalationUser is returned by Escalate when neither the caller nor
// the configuration names a user.
var ErrNoEscalationUser = errors.New("no escalation user")

// Report summarises one sweep.
type Report struct {
	// Escalated executions were due today or overdue and got flagged.
	Escalated int `json:"escalated"`
	// Woken executions were moved back to underway.
	Woken int `json:"woken"`
	// Refreshed executions are still snoozed but got a new score.
	Refreshed int `json:"refreshed"`
	// Raced executions were changed by someone else during the sweep.
	Raced int `json:"raced"`
	// Failed executions hit any other error. They are retried next sweep.
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

func (r *Report) fail(id string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

// Sweeper runs sweeps.
type Sweeper struct {
	store    Store
	machine  Transitioner
	priority Prioritizer
	interval time.Duration
	escalate string
	logger   *logging.Logger
	onReport func(ctx context.Context, r Report)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps in Run.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithEscalation makes every sweep escalate critical and overdue
// executions to user. An empty user turns escalation off.
func WithEscalation(user string) Option {
	return func(s *Sweeper) { s.escalate = strings.TrimSpace(user) }
}

// WithLogger sets the sweeper logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithReportHook registers a callback run after every sweep.
func WithReportHook(fn func(ctx context.Context, r Report)) Option {
	return func(s *Sweeper) { s.onReport = fn }
}

// New creates a Sweeper.
func New(store Store, machine Transitioner, priority Prioritizer, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		machine:  machine,
		priority: priority,
		interval: DefaultInterval,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("sweeper")
	return s
}

// SweepOnce wakes every snoozed execution that is due and refreshes the
// score of the others. A failure on one execution is recorded in the
// report and the sweep moves on. Only a failure to list executions is
// returned as an error.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report
	now := s.priority.Now()

	if s.escalate != "" {
		if err := s.escalateDue(ctx, s.escalate, &report); err != nil {
			return report, err
		}
	}

	due, err := s.store.ListExecutions(ctx, models.ExecutionFilter{
		Statuses:  []models.ExecutionStatus{models.StatusSnoozed},
		DueBefore: &now,
	})
	if err != nil {
		return report, fmt.Errorf("failed to list due executions: %w", err)
	}
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, err := s.machine.Transition(ctx, e.ID, lifecycle.ActionWake, lifecycle.Payload{
			ExpectedStatus: models.StatusSnoozed,
			Actor:          "sweeper",
		})
		switch {
		case err == nil:
			report.Woken++
		case raced(err):
			report.Raced++
		default:
			s.logger.Error("failed to wake execution", "execution_id", e.ID, "error", err)
			report.fail(e.ID, err)
		}
	}

	snoozed, err := s.store.ListExecutions(ctx, models.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.StatusSnoozed},
	})
	if err != nil {
		return report, fmt.Errorf("failed to list snoozed executions: %w", err)
	}
	for _, e := range snoozed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		score := s.priority.ComputePriority(e, nil)
		if score == e.PriorityScore {
			continue
		}
		next := e.Clone()
		next.PriorityScore = score
		err := s.store.UpdateExecution(ctx, next, e.Status, e.Version)
		switch {
		case err == nil:
			report.Refreshed++
		case raced(err):
			report.Raced++
		default:
			s.logger.Error("failed to refresh priority", "execution_id", e.ID, "error", err)
			report.fail(e.ID, err)
		}
	}

	if report.Escalated+report.Woken+report.Refreshed+report.Raced+report.Failed > 0 {
		s.logger.Info("sweep finished",
			"escalated", report.Escalated,
			"woken", report.Woken,
			"refreshed", report.Refreshed,
			"raced", report.Raced,
			"failed", report.Failed,
		)
	}
	if s.onReport != nil {
		s.onReport(ctx, report)
	}
	return report, nil
}

// EscalationUser returns the configured escalation user, or "".
func (s *Sweeper) EscalationUser() string { return s.escalate }

// Escalate runs only the escalation pass, naming user, or the configured
// user when user is empty.
func (s *Sweeper) Escalate(ctx context.Context, user string) (Report, error) {
	var report Report
	if user = strings.TrimSpace(user); user == "" {
		user = s.escalate
	}
	if user == "" {
		return report, ErrNoEscalationUser
	}
	err := s.escalateDue(ctx, user, &report)
	if report.Escalated > 0 {
		s.logger.Info("escalation check finished", "escalated", report.Escalated, "user", user)
	}
	return report, err
}

// escalateDue flags snoozed executions that are critical or overdue and
// carry no escalation yet. Already escalated executions keep their user.
func (s *Sweeper) escalateDue(ctx context.Context, user string, report *Report) error {
	snoozed, err := s.store.ListExecutions(ctx, models.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.StatusSnoozed},
	})
	if err != nil {
		return fmt.Errorf("failed to list snoozed executions: %w", err)
	}
	for _, e := range snoozed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.EscalationUser != nil {
			continue
		}
		if u := s.priority.Urgency(e); u != scheduler.UrgencyCritical && u != scheduler.UrgencyOverdue {
			continue
		}
		_, err := s.machine.Transition(ctx, e.ID, lifecycle.ActionEscalate, lifecycle.Payload{
			User:           user,
			ExpectedStatus: models.StatusSnoozed,
			Actor:          "sweeper",
		})
		switch {
		case err == nil:
			report.Escalated++
		case raced(err):
			report.Raced++
		default:
			s.logger.Error("failed to escalate execution", "execution_id", e.ID, "error", err)
			report.fail(e.ID, err)
		}
	}
	return nil
}

// raced reports whether err means another writer got to the execution
// first.
func raced(err error) bool {
	return lifecycle.IsRetryable(err) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, repository.ErrPreconditionFailed) ||
		errors.Is(err, repository.ErrNotFound)
}

// Run sweeps immediately and then at every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("snooze sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("snooze sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
