// Package lifecycle moves executions through their states.
//
//	not_started --start--> underway --complete--> completed
//	                       underway --skip------> skipped
//	                       underway --snooze----> snoozed --wake--> underway
//
// escalate and clear_escalation set or clear the escalation user on any
// non-terminal execution without changing its status. Every write is a
// compare-and-swap on the status and version that were read, so of two
// concurrent transitions on one execution exactly one succeeds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/pkg/models"
)

// Action names a lifecycle transition.
type Action string

const (
	ActionStart           Action = "start"
	ActionComplete        Action = "complete"
	ActionSnooze          Action = "snooze"
	ActionWake            Action = "wake"
	ActionSkip            Action = "skip"
	ActionEscalate        Action = "escalate"
	ActionClearEscalation Action = "clear_escalation"
)

// Actions lists every known action.
var Actions = []Action{
	ActionStart, ActionComplete, ActionSnooze, ActionWake,
	ActionSkip, ActionEscalate, ActionClearEscalation,
}

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition rejects an action that is not allowed from the
	// execution's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStateConflict means the execution changed between read and write.
	// The caller may reload and retry.
	ErrStateConflict = errors.New("state conflict")
	// ErrInvalidPayload rejects an action missing a required field.
	ErrInvalidPayload = errors.New("invalid transition payload")
)

// IsRetryable reports whether err is worth retrying after a reload.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// Payload carries the arguments of a transition.
type Payload struct {
	// Until is the wake-up instant for snooze.
	Until *time.Time `json:"until,omitempty"`
	// Reason is required by skip.
	Reason string `json:"reason,omitempty"`
	// User is the escalation user for escalate.
	User string `json:"user,omitempty"`
	// ExpectedStatus, when set, must match the status that is read.
	ExpectedStatus models.ExecutionStatus `json:"expected_status,omitempty"`
	// Actor is recorded in logs only.
	Actor string `json:"actor,omitempty"`
}

// Store is the execution persistence the machine needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, e *models.Execution, expectedStatus models.ExecutionStatus, expectedVersion int) error
}

// SnapshotProvider supplies the customer snapshot used to recompute
// priority.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error)
}

// Prioritizer scores an execution.
type Prioritizer interface {
	ComputePriority(e *models.Execution, snap models.Snapshot) int
}

// ObserveFunc is told about every transition attempt and its outcome.
type ObserveFunc func(ctx context.Context, action Action, err error)

// Machine applies transitions.
type Machine struct {
	store     Store
	snapshots SnapshotProvider
	priority  Prioritizer
	logger    *logging.Logger
	now       func() time.Time
	observe   ObserveFunc
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithObserver registers a callback run after every transition attempt.
func WithObserver(fn ObserveFunc) Option {
	return func(m *Machine) { m.observe = fn }
}

// NewMachine creates a Machine.
func NewMachine(store Store, snapshots SnapshotProvider, priority Prioritizer, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		snapshots: snapshots,
		priority:  priority,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Component("lifecycle")
	return m
}

// Transition applies action to the execution with id and returns the
// stored result.
func (m *Machine) Transition(ctx context.Context, id string, action Action, p Payload) (*models.Execution, error) {
	out, err := m.transition(ctx, id, action, p)
	if m.observe != nil {
		m.observe(ctx, action, err)
	}
	return out, err
}

func (m *Machine) transition(ctx context.Context, id string, action Action, p Payload) (*models.Execution, error) {
	cur, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ExpectedStatus != "" && p.ExpectedStatus != cur.Status {
		return nil, fmt.Errorf("%w: execution %s is %s, caller expected %s", ErrStateConflict, id, cur.Status, p.ExpectedStatus)
	}

	next, err := Apply(cur, action, p, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := CheckInvariants(next); err != nil {
		return nil, err
	}
	next.PriorityScore = m.recompute(ctx, next)

	if err := m.store.UpdateExecution(ctx, next, cur.Status, cur.Version); err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: %v", ErrStateConflict, err)
		}
		return nil, fmt.Errorf("failed to store execution %s: %w", id, err)
	}

	m.logger.Info("execution transitioned",
		"execution_id", id,
		"action", action,
		"from", cur.Status,
		"to", next.Status,
		"priority", next.PriorityScore,
		"actor", p.Actor,
	)
	return next, nil
}

// recompute scores e. Snoozed scores need no snapshot. When the snapshot
// cannot be loaded an active execution keeps its previous score.
func (m *Machine) recompute(ctx context.Context, e *models.Execution) int {
	if e.Status == models.StatusSnoozed {
		return m.priority.ComputePriority(e, nil)
	}
	snap, err := m.snapshots.GetSnapshot(ctx, e.CustomerID)
	if err != nil {
		m.logger.Warn("snapshot unavailable, keeping priority",
			"execution_id", e.ID,
			"customer_id", e.CustomerID,
			"error", err,
		)
		return e.PriorityScore
	}
	return m.priority.ComputePriority(e, snap)
}

// Apply computes the execution that results from action without storing
// it. cur is not modified.
func Apply(cur *models.Execution, action Action, p Payload, now time.Time) (*models.Execution, error) {
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s execution %s is terminal", ErrInvalidTransition, cur.Status, cur.ID)
	}
	reject := func() (*models.Execution, error) {
		return nil, fmt.Errorf("%w: cannot %s a %s execution", ErrInvalidTransition, action, cur.Status)
	}

	next := cur.Clone()
	switch action {
	case ActionStart:
		if cur.Status != models.StatusNotStarted {
			return reject()
		}
		next.Status = models.StatusUnderway

	case ActionComplete:
		if cur.Status != models.StatusUnderway {
			return reject()
		}
		next.Status = models.StatusCompleted
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}

	case ActionSnooze:
		if cur.Status != models.StatusUnderway {
			return reject()
		}
		if p.Until == nil || p.Until.IsZero() {
			return nil, fmt.Errorf("%w: snooze needs an until instant", ErrInvalidPayload)
		}
		until := p.Until.UTC()
		next.Status = models.StatusSnoozed
		next.SnoozeUntil = &until
		next.SnoozedAt = &now

	case ActionWake:
		if cur.Status != models.StatusSnoozed {
			return reject()
		}
		next.Status = models.StatusUnderway
		next.SnoozeUntil = nil
		next.SnoozedAt = nil

	case ActionSkip:
		if cur.Status != models.StatusUnderway {
			return reject()
		}
		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			return nil, fmt.Errorf("%w: skip needs a reason", ErrInvalidPayload)
		}
		next.Status = models.StatusSkipped
		next.SkipReason = &reason
		if next.SkippedAt == nil {
			next.SkippedAt = &now
		}

	case ActionEscalate:
		user := strings.TrimSpace(p.User)
		if user == "" {
			return nil, fmt.Errorf("%w: escalate needs a user", ErrInvalidPayload)
		}
		next.EscalationUser = &user

	case ActionClearEscalation:
		next.EscalationUser = nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return next, nil
}

// CheckInvariants verifies the snooze fields agree with the status and
// terminal timestamps are present.
func CheckInvariants(e *models.Execution) error {
	if (e.SnoozeUntil != nil) != (e.Status == models.StatusSnoozed) {
		return fmt.Errorf("%w: execution %s is %s with snooze_until set=%t",
			ErrInvalidTransition, e.ID, e.Status, e.SnoozeUntil != nil)
	}
	if e.Status == models.StatusCompleted && e.CompletedAt == nil {
		return fmt.Errorf("%w: completed execution %s has no completed_at", ErrInvalidTransition, e.ID)
	}
	if e.Status == models.StatusSkipped && (e.SkippedAt == nil || e.SkipReason == nil) {
		return fmt.Errorf("%w: skipped execution %s has no skip record", ErrInvalidTransition, e.ID)
	}
	return nil
}
