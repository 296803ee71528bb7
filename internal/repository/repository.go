package repository

import (
	"context"
	"errors"

	"cs-workflows/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is returned by UpdateExecution when the stored
	// status or version no longer matches what the caller expected.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrAlreadyExists is returned when an insert collides with an existing
	// record, including a second active execution for the same customer,
	// category and template.
	ErrAlreadyExists = errors.New("already exists")
)

// TemplateStore persists versioned templates. Templates are never updated
// in place; saving a template with a known TemplateID adds a new version.
type TemplateStore interface {
	// SaveTemplate stores t as the next version of t.TemplateID and fills
	// in ID, Version and CreatedAt.
	SaveTemplate(ctx context.Context, t *models.Template) error
	// GetTemplate returns the latest version of a template.
	GetTemplate(ctx context.Context, templateID string) (*models.Template, error)
	// GetTemplateVersion returns one specific version.
	GetTemplateVersion(ctx context.Context, templateID string, version int) (*models.Template, error)
	// LatestForCategory returns the most recently saved template version of
	// a category.
	LatestForCategory(ctx context.Context, category models.Category) (*models.Template, error)
	// ListTemplates returns the latest version of every template, ordered by
	// TemplateID.
	ListTemplates(ctx context.Context) ([]*models.Template, error)
}

// ModificationStore persists modifications.
type ModificationStore interface {
	SaveModification(ctx context.Context, m *models.Modification) error
	// ListModifications returns every modification of a template in
	// creation order.
	ListModifications(ctx context.Context, templateID string) ([]models.Modification, error)
}

// ExecutionStore persists executions. Executions are never deleted.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. It fails with
	// ErrAlreadyExists when an active execution of the same customer,
	// category and template exists.
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// UpdateExecution writes e only if the stored row still has
	// expectedStatus and expectedVersion, and fails with
	// ErrPreconditionFailed otherwise. On success e.Version is advanced.
	UpdateExecution(ctx context.Context, e *models.Execution, expectedStatus models.ExecutionStatus, expectedVersion int) error
	// ListExecutions returns executions matching f ordered by creation time.
	ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.Execution, error)
	// FindActiveExecution returns the non-terminal execution of a customer
	// for a category and template, or ErrNotFound.
	FindActiveExecution(ctx context.Context, customerID string, category models.Category, templateID string) (*models.Execution, error)
}

// ThresholdStore is the raw key/value threshold table.
type ThresholdStore interface {
	LoadThresholds(ctx context.Context) (map[string]string, error)
	SetThreshold(ctx context.Context, key, value string) error
}

// CompanyStore persists tenant companies.
type CompanyStore interface {
	SaveCompany(ctx context.Context, c *models.Company) error
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	// GetCompanyByDomain resolves a company from a user's email domain.
	GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error)
}

// SnapshotStore keeps the last customer snapshot seen at provisioning so
// priorities can be recomputed without calling the customer data service.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	TemplateStore
	ModificationStore
	ExecutionStore
	ThresholdStore
	CompanyStore
	SnapshotStore
	Ping(ctx context.Context) error
}
