package models

import "time"

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusNotStarted ExecutionStatus = "not_started"
	StatusUnderway   ExecutionStatus = "underway"
	StatusSnoozed    ExecutionStatus = "snoozed"
	StatusCompleted  ExecutionStatus = "completed"
	StatusSkipped    ExecutionStatus = "skipped"
)

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusUnderway, StatusSnoozed, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// ActiveStatuses are the statuses of executions that still need work.
var ActiveStatuses = []ExecutionStatus{StatusNotStarted, StatusUnderway, StatusSnoozed}

// Execution is the persisted unit of work created when a workflow category
// becomes eligible for a customer. It is only changed through lifecycle
// transitions and never deleted.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	TemplateID      string          `json:"template_id" db:"template_id"`
	TemplateVersion int             `json:"template_version" db:"template_version"`
	Category        Category        `json:"category" db:"category"`
	CustomerID      string          `json:"customer_id" db:"customer_id"`
	CompanyID       string          `json:"company_id,omitempty" db:"company_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	PriorityScore   int             `json:"priority_score" db:"priority_score"`
	SnoozeUntil     *time.Time      `json:"snooze_until,omitempty" db:"snooze_until"`
	SnoozedAt       *time.Time      `json:"snoozed_at,omitempty" db:"snoozed_at"`
	EscalationUser  *string         `json:"escalation_user,omitempty" db:"escalation_user"`
	SkipReason      *string         `json:"skip_reason,omitempty" db:"skip_reason"`
	Data            map[string]any  `json:"data,omitempty" db:"data"` // JSONB
	Version         int             `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	SkippedAt       *time.Time      `json:"skipped_at,omitempty" db:"skipped_at"`
}

// Clone returns a copy that shares no pointers with e. The data bag is
// copied one level deep; nested values are treated as immutable.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.SnoozeUntil = cloneTime(e.SnoozeUntil)
	out.SnoozedAt = cloneTime(e.SnoozedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.SkippedAt = cloneTime(e.SkippedAt)
	out.EscalationUser = cloneString(e.EscalationUser)
	out.SkipReason = cloneString(e.SkipReason)
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	CompanyID  string
	CustomerID string
	Statuses   []ExecutionStatus
	DueBefore  *time.Time // snoozed executions whose snooze_until <= DueBefore
	Limit      int
}
