// Package models defines the domain models for the customer workflow service.
package models

import (
	"errors"
	"time"
)

// ErrInvalidModification is returned by Modification.Validate when a
// modification's scope and target disagree or its operation is incomplete.
var ErrInvalidModification = errors.New("invalid modification")

// Company is the tenant that operates a work queue. A customer snapshot's
// company_id refers to it, and company-scoped modifications target it.
type Company struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Domain    string    `json:"domain" db:"domain"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
