package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cs-workflows/backend/pkg/models"
)

// MemoryStore is an in-process Store used in lite mode and in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	templates     map[string][]*models.Template // by TemplateID, ascending version
	modifications map[string][]models.Modification
	executions    map[string]*models.Execution
	thresholds    map[string]string
	companies     map[string]*models.Company
	snapshots     map[string]models.Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		templates:     make(map[string][]*models.Template),
		modifications: make(map[string][]models.Modification),
		executions:    make(map[string]*models.Execution),
		thresholds:    make(map[string]string),
		companies:     make(map[string]*models.Company),
		snapshots:     make(map[string]models.Snapshot),
	}
}

var _ Store = (*MemoryStore)(nil)

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// SaveTemplate stores t as a new version.
func (s *MemoryStore) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.TemplateID == "" {
		return fmt.Errorf("template_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.templates[t.TemplateID]
	t.Version = len(versions) + 1
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = s.now().UTC()
	s.templates[t.TemplateID] = append(versions, t.Clone())
	return nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, templateID string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.templates[templateID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (s *MemoryStore) GetTemplateVersion(ctx context.Context, templateID string, version int) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.templates[templateID]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("template %s v%d: %w", templateID, version, ErrNotFound)
	}
	return versions[version-1].Clone(), nil
}

func (s *MemoryStore) LatestForCategory(ctx context.Context, category models.Category) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Template
	for _, versions := range s.templates {
		t := versions[len(versions)-1]
		if t.Category != category {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) ||
			(t.CreatedAt.Equal(latest.CreatedAt) && t.TemplateID > latest.TemplateID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("template for category %s: %w", category, ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Template, 0, len(s.templates))
	for _, versions := range s.templates {
		out = append(out, versions[len(versions)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

// SaveModification stores m, filling in ID and CreatedAt when empty.
func (s *MemoryStore) SaveModification(ctx context.Context, m *models.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	for _, existing := range s.modifications[m.TemplateID] {
		if existing.ID == m.ID {
			return fmt.Errorf("modification %s: %w", m.ID, ErrAlreadyExists)
		}
	}
	s.modifications[m.TemplateID] = append(s.modifications[m.TemplateID], *m)
	return nil
}

func (s *MemoryStore) ListModifications(ctx context.Context, templateID string) ([]models.Modification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Modification(nil), s.modifications[templateID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrAlreadyExists)
	}
	if !e.Status.IsTerminal() {
		if active := s.findActiveLocked(e.CustomerID, e.Category, e.TemplateID); active != nil {
			return fmt.Errorf("active execution %s for customer %s: %w", active.ID, e.CustomerID, ErrAlreadyExists)
		}
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, e *models.Execution, expectedStatus models.ExecutionStatus, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	if current.Status != expectedStatus || current.Version != expectedVersion {
		return fmt.Errorf("execution %s is %s v%d, expected %s v%d: %w",
			e.ID, current.Status, current.Version, expectedStatus, expectedVersion, ErrPreconditionFailed)
	}
	e.Version = expectedVersion + 1
	e.UpdatedAt = s.now().UTC()
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Execution
	for _, e := range s.executions {
		if matchesFilter(e, f) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindActiveExecution(ctx context.Context, customerID string, category models.Category, templateID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.findActiveLocked(customerID, category, templateID); e != nil {
		return e.Clone(), nil
	}
	return nil, fmt.Errorf("active %s execution for customer %s: %w", category, customerID, ErrNotFound)
}

func (s *MemoryStore) findActiveLocked(customerID string, category models.Category, templateID string) *models.Execution {
	for _, e := range s.executions {
		if e.CustomerID == customerID && e.Category == category && e.TemplateID == templateID && !e.Status.IsTerminal() {
			return e
		}
	}
	return nil
}

func matchesFilter(e *models.Execution, f models.ExecutionFilter) bool {
	if f.CompanyID != "" && e.CompanyID != f.CompanyID {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if e.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DueBefore != nil {
		if e.Status != models.StatusSnoozed || e.SnoozeUntil == nil || e.SnoozeUntil.After(*f.DueBefore) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) LoadThresholds(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetThreshold(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[key] = value
	return nil
}

func (s *MemoryStore) SaveCompany(ctx context.Context, c *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if existing, ok := s.companies[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.companies[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.companies {
		if strings.EqualFold(c.Domain, domain) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("company with domain %s: %w", domain, ErrNotFound)
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	id := snap.ID()
	if id == "" {
		return fmt.Errorf("snapshot has no customer id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = snap
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[customerID]
	if !ok {
		return nil, fmt.Errorf("snapshot for customer %s: %w", customerID, ErrNotFound)
	}
	return snap, nil
}
