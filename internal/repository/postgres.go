package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cs-workflows/backend/pkg/models"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the tables the store needs. It is safe to run on every
// start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const templateColumns = `id, template_id, version, name, category, steps, artifacts, created_by, created_at`

// SaveTemplate inserts the next version of t.TemplateID.
func (s *PostgresStore) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.TemplateID == "" {
		return fmt.Errorf("template_id is required")
	}
	steps, err := json.Marshal(nonNilSteps(t.Steps))
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	artifacts, err := json.Marshal(nonNilArtifacts(t.Artifacts))
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO templates (id, template_id, version, name, category, steps, artifacts, created_by, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE template_id = $2),
			$3, $4, $5, $6, $7, now())
		RETURNING version, created_at`,
		t.ID, t.TemplateID, t.Name, string(t.Category), steps, artifacts, t.CreatedBy,
	).Scan(&t.Version, &t.CreatedAt)
	return mapError(err, "save template "+t.TemplateID)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (*models.Template, error) {
	row := s.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates
		WHERE template_id = $1 ORDER BY version DESC LIMIT 1`, templateID)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, mapError(err, "template "+templateID)
	}
	return t, nil
}

func (s *PostgresStore) GetTemplateVersion(ctx context.Context, templateID string, version int) (*models.Template, error) {
	row := s.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates
		WHERE template_id = $1 AND version = $2`, templateID, version)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("template %s v%d", templateID, version))
	}
	return t, nil
}

func (s *PostgresStore) LatestForCategory(ctx context.Context, category models.Category) (*models.Template, error) {
	row := s.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates
		WHERE category = $1 ORDER BY created_at DESC, version DESC LIMIT 1`, string(category))
	t, err := scanTemplate(row)
	if err != nil {
		return nil, mapError(err, "template for category "+string(category))
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT ON (template_id) `+templateColumns+`
		FROM templates ORDER BY template_id, version DESC`)
	if err != nil {
		return nil, mapError(err, "list templates")
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, mapError(err, "scan template")
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var (
		t                models.Template
		category         string
		steps, artifacts []byte
	)
	if err := row.Scan(&t.ID, &t.TemplateID, &t.Version, &t.Name, &category, &steps, &artifacts, &t.CreatedBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Category = models.Category(category)
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s: %w", t.TemplateID, err)
	}
	if err := json.Unmarshal(artifacts, &t.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of %s: %w", t.TemplateID, err)
	}
	return &t, nil
}

func nonNilSteps(s []models.Step) []models.Step {
	if s == nil {
		return []models.Step{}
	}
	return s
}

func nonNilArtifacts(a []models.Artifact) []models.Artifact {
	if a == nil {
		return []models.Artifact{}
	}
	return a
}

// SaveModification inserts m, filling in ID and CreatedAt when empty.
func (s *PostgresStore) SaveModification(ctx context.Context, m *models.Modification) error {
	op, err := models.MarshalOperation(m.Operation)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO modifications (id, template_id, scope, applies_to, condition, operation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.TemplateID, string(m.Scope), m.AppliesTo, m.Condition, op, m.CreatedAt,
	)
	return mapError(err, "save modification "+m.ID)
}

func (s *PostgresStore) ListModifications(ctx context.Context, templateID string) ([]models.Modification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, template_id, scope, applies_to, condition, operation, created_at
		FROM modifications WHERE template_id = $1 ORDER BY created_at, id`, templateID)
	if err != nil {
		return nil, mapError(err, "list modifications")
	}
	defer rows.Close()

	var mods []models.Modification
	for rows.Next() {
		var (
			m     models.Modification
			scope string
			op    []byte
		)
		if err := rows.Scan(&m.ID, &m.TemplateID, &scope, &m.AppliesTo, &m.Condition, &op, &m.CreatedAt); err != nil {
			return nil, mapError(err, "scan modification")
		}
		m.Scope = models.Scope(scope)
		// an undecodable operation is kept as nil; Validate rejects it later
		m.Operation, _ = models.UnmarshalOperation(op)
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

const executionColumns = `id, template_id, template_version, category, customer_id, company_id, status,
	priority_score, snooze_until, snoozed_at, escalation_user, skip_reason, data, version,
	created_at, updated_at, completed_at, skipped_at`

// CreateExecution inserts e with version 1.
func (s *PostgresStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	data, err := encodeData(e.Data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1

	_, err = s.db.Exec(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.TemplateID, e.TemplateVersion, string(e.Category), e.CustomerID, e.CompanyID, string(e.Status),
		e.PriorityScore, e.SnoozeUntil, e.SnoozedAt, e.EscalationUser, e.SkipReason, data, e.Version,
		e.CreatedAt, e.UpdatedAt, e.CompletedAt, e.SkippedAt,
	)
	return mapError(err, "create execution "+e.ID)
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, mapError(err, "execution "+id)
	}
	return e, nil
}

// UpdateExecution is a compare-and-swap on (status, version).
func (s *PostgresStore) UpdateExecution(ctx context.Context, e *models.Execution, expectedStatus models.ExecutionStatus, expectedVersion int) error {
	data, err := encodeData(e.Data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE executions SET
			status = $1, priority_score = $2, snooze_until = $3, snoozed_at = $4,
			escalation_user = $5, skip_reason = $6, data = $7, completed_at = $8,
			skipped_at = $9, updated_at = $10, version = version + 1
		WHERE id = $11 AND status = $12 AND version = $13`,
		string(e.Status), e.PriorityScore, e.SnoozeUntil, e.SnoozedAt,
		e.EscalationUser, e.SkipReason, data, e.CompletedAt,
		e.SkippedAt, now, e.ID, string(expectedStatus), expectedVersion,
	)
	if err != nil {
		return mapError(err, "update execution "+e.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetExecution(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("execution %s changed since it was read (expected %s v%d): %w",
			e.ID, expectedStatus, expectedVersion, ErrPreconditionFailed)
	}
	e.Version = expectedVersion + 1
	e.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.Execution, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CompanyID != "" {
		add("company_id = $%d", f.CompanyID)
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.DueBefore != nil {
		add("status = 'snoozed' AND snooze_until <= $%d", *f.DueBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list executions")
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, mapError(err, "scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveExecution(ctx context.Context, customerID string, category models.Category, templateID string) (*models.Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions
		WHERE customer_id = $1 AND category = $2 AND template_id = $3
		AND status IN ('not_started', 'underway', 'snoozed')`,
		customerID, string(category), templateID)
	e, err := scanExecution(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("active %s execution for customer %s", category, customerID))
	}
	return e, nil
}

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var (
		e                models.Execution
		category, status string
		data             []byte
	)
	err := row.Scan(
		&e.ID, &e.TemplateID, &e.TemplateVersion, &category, &e.CustomerID, &e.CompanyID, &status,
		&e.PriorityScore, &e.SnoozeUntil, &e.SnoozedAt, &e.EscalationUser, &e.SkipReason, &data, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt, &e.SkippedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Category = models.Category(category)
	e.Status = models.ExecutionStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("decode data of execution %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution data: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) LoadThresholds(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name, value FROM workflow_thresholds`)
	if err != nil {
		return nil, mapError(err, "load thresholds")
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, mapError(err, "scan threshold")
		}
		values[k] = v
	}
	return values, rows.Err()
}

func (s *PostgresStore) SetThreshold(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_thresholds (name, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	return mapError(err, "set threshold "+key)
}

func (s *PostgresStore) SaveCompany(ctx context.Context, c *models.Company) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO companies (id, name, domain) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, domain = EXCLUDED.domain, updated_at = now()
		RETURNING created_at, updated_at`,
		c.ID, c.Name, strings.ToLower(c.Domain),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return mapError(err, "save company "+c.ID)
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var c models.Company
	err := s.db.QueryRow(ctx, `SELECT id, name, domain, created_at, updated_at FROM companies WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Domain, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "company "+id)
	}
	return &c, nil
}

func (s *PostgresStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	var c models.Company
	err := s.db.QueryRow(ctx, `SELECT id, name, domain, created_at, updated_at FROM companies WHERE domain = $1`,
		strings.ToLower(domain)).
		Scan(&c.ID, &c.Name, &c.Domain, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "company with domain "+domain)
	}
	return &c, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	id := snap.ID()
	if id == "" {
		return fmt.Errorf("snapshot has no customer id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO customer_snapshots (customer_id, company_id, data, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (customer_id) DO UPDATE SET company_id = EXCLUDED.company_id, data = EXCLUDED.data, updated_at = now()`,
		id, snap.CompanyID(), data)
	return mapError(err, "save snapshot "+id)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM customer_snapshots WHERE customer_id = $1`, customerID).Scan(&data)
	if err != nil {
		return nil, mapError(err, "snapshot for customer "+customerID)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", customerID, err)
	}
	return snap, nil
}
