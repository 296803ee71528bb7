package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/internal/eligibility"
	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/pkg/models"
)

// DefaultParallelism bounds ProvisionAll when no limit is configured.
const DefaultParallelism = 8

// Outcome describes what provisioning did for one category.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeExisting   Outcome = "existing"
	OutcomeNoTemplate Outcome = "no_template"
	OutcomeFailed     Outcome = "failed"
)

// CategoryResult is the provisioning result of one eligible category.
type CategoryResult struct {
	Category    models.Category   `json:"category"`
	Outcome     Outcome           `json:"outcome"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Execution   *models.Execution `json:"execution,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Error       string            `json:"error,omitempty"`
	// Rescored is set when an existing execution got a new score from the
	// fresh snapshot.
	Rescored bool `json:"rescored,omitempty"`
}

// ProvisionResult is the outcome of provisioning one customer.
type ProvisionResult struct {
	CustomerID string                     `json:"customer_id"`
	Reasons    map[models.Category]string `json:"reasons"`
	Categories []CategoryResult           `json:"categories"`
	Error      string                     `json:"error,omitempty"`
}

// Created counts the executions created.
func (r *ProvisionResult) Created() int {
	n := 0
	for _, c := range r.Categories {
		if c.Outcome == OutcomeCreated {
			n++
		}
	}
	return n
}

// WorkflowService runs the pipeline from snapshot to queued executions.
type WorkflowService struct {
	store       repository.Store
	eligibility *eligibility.Engine
	compiler    *compiler.Compiler
	hydrator    *hydrate.Hydrator
	scheduler   *scheduler.Scheduler
	logger      *logging.Logger
	parallelism int
	onCompile   func(ctx context.Context, templateID string, err error)
}

// ServiceOption configures a WorkflowService.
type ServiceOption func(*WorkflowService)

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) ServiceOption {
	return func(s *WorkflowService) { s.logger = l }
}

// WithParallelism bounds the number of customers provisioned at once.
func WithParallelism(n int) ServiceOption {
	return func(s *WorkflowService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithCompileHook registers a callback run after every compile.
func WithCompileHook(fn func(ctx context.Context, templateID string, err error)) ServiceOption {
	return func(s *WorkflowService) { s.onCompile = fn }
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	store repository.Store,
	engine *eligibility.Engine,
	comp *compiler.Compiler,
	hydrator *hydrate.Hydrator,
	sched *scheduler.Scheduler,
	opts ...ServiceOption,
) *WorkflowService {
	s := &WorkflowService{
		store:       store,
		eligibility: engine,
		compiler:    comp,
		hydrator:    hydrator,
		scheduler:   sched,
		logger:      logging.NewNop(),
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("workflows")
	return s
}

// Compile compiles templateID for the customer in snap.
func (s *WorkflowService) Compile(ctx context.Context, templateID string, snap models.Snapshot) (*models.CompiledDefinition, error) {
	def, err := s.compiler.Compile(ctx, templateID, snap)
	if s.onCompile != nil {
		s.onCompile(ctx, templateID, err)
	}
	return def, err
}

// Render compiles and hydrates templateID for the customer in snap.
func (s *WorkflowService) Render(ctx context.Context, templateID string, snap models.Snapshot) (*models.RenderedDefinition, error) {
	def, err := s.Compile(ctx, templateID, snap)
	if err != nil {
		return nil, err
	}
	return s.hydrator.Hydrate(def, snap)
}

// Provision creates a not-started execution for every eligible category
// of the customer that has a template and no active execution yet. A
// failure in one category is recorded in the result and does not stop the
// others.
func (s *WorkflowService) Provision(ctx context.Context, snap models.Snapshot) (*ProvisionResult, error) {
	customerID := snap.ID()
	if customerID == "" {
		return nil, errors.New("snapshot has no customer id")
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot of %s: %w", customerID, err)
	}

	result := &ProvisionResult{
		CustomerID: customerID,
		Reasons:    s.eligibility.Explain(ctx, snap),
		Categories: []CategoryResult{},
	}
	for _, cat := range s.eligibility.DetermineWorkflows(ctx, snap) {
		res := s.provisionCategory(ctx, snap, cat)
		res.Reason = result.Reasons[cat]
		result.Categories = append(result.Categories, res)
	}

	s.logger.Info("customer provisioned",
		"customer_id", customerID,
		"eligible", len(result.Categories),
		"created", result.Created(),
	)
	return result, nil
}

func (s *WorkflowService) provisionCategory(ctx context.Context, snap models.Snapshot, cat models.Category) CategoryResult {
	res := CategoryResult{Category: cat}
	fail := func(err error) CategoryResult {
		s.logger.Error("failed to provision workflow",
			"customer_id", snap.ID(),
			"category", cat,
			"error", err,
		)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	tmpl, err := s.store.LatestForCategory(ctx, cat)
	if errors.Is(err, repository.ErrNotFound) {
		res.Outcome = OutcomeNoTemplate
		return res
	}
	if err != nil {
		return fail(err)
	}

	if active, err := s.store.FindActiveExecution(ctx, snap.ID(), cat, tmpl.TemplateID); err == nil {
		res.Outcome = OutcomeExisting
		res.ExecutionID = active.ID
		res.Execution, res.Rescored = s.rescore(ctx, active, snap)
		return res
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fail(err)
	}

	def, err := s.compiler.CompileTemplate(ctx, tmpl, snap)
	if s.onCompile != nil {
		s.onCompile(ctx, tmpl.TemplateID, err)
	}
	if err != nil {
		return fail(err)
	}
	rendered, err := s.hydrator.Hydrate(def, snap)
	if err != nil {
		return fail(err)
	}
	data, err := toData(rendered)
	if err != nil {
		return fail(err)
	}

	exec := &models.Execution{
		ID:              uuid.New().String(),
		TemplateID:      tmpl.TemplateID,
		TemplateVersion: tmpl.Version,
		Category:        cat,
		CustomerID:      snap.ID(),
		CompanyID:       snap.CompanyID(),
		Status:          models.StatusNotStarted,
		Data:            map[string]any{"definition": data},
	}
	exec.PriorityScore = s.scheduler.ComputePriority(exec, snap)

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			res.Outcome = OutcomeExisting
			return res
		}
		return fail(err)
	}
	res.Outcome = OutcomeCreated
	res.ExecutionID = exec.ID
	res.Execution = exec
	return res
}

// rescore recomputes the score of an active execution against snap and
// writes it back when it changed. Losing the write to a concurrent update
// leaves the execution as the other writer left it; it is rescored again
// on the next snapshot.
func (s *WorkflowService) rescore(ctx context.Context, active *models.Execution, snap models.Snapshot) (*models.Execution, bool) {
	score := s.scheduler.ComputePriority(active, snap)
	if score == active.PriorityScore {
		return active, false
	}
	next := active.Clone()
	next.PriorityScore = score
	err := s.store.UpdateExecution(ctx, next, active.Status, active.Version)
	switch {
	case err == nil:
		s.logger.Debug("execution rescored",
			"execution_id", active.ID,
			"from", active.PriorityScore,
			"to", score,
		)
		return next, true
	case errors.Is(err, repository.ErrPreconditionFailed), errors.Is(err, repository.ErrNotFound):
		s.logger.Debug("rescore raced", "execution_id", active.ID, "error", err)
	default:
		s.logger.Error("failed to rescore execution", "execution_id", active.ID, "error", err)
	}
	return active, false
}

// toData converts v to the generic JSON form stored in the execution data
// bag, so every store hands back the same shape.
func toData(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode execution data: %w", err)
	}
	return out, nil
}

// BatchReport is the outcome of ProvisionAll, one entry per snapshot in
// input order.
type BatchReport struct {
	Results []*ProvisionResult `json:"results"`
	Created int                `json:"created"`
	Failed  int                `json:"failed"`
}

// ProvisionAll provisions every snapshot with bounded parallelism. A
// customer that fails is reported and does not affect the others.
func (s *WorkflowService) ProvisionAll(ctx context.Context, snaps []models.Snapshot) (*BatchReport, error) {
	report := &BatchReport{Results: make([]*ProvisionResult, len(snaps))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, snap := range snaps {
		g.Go(func() error {
			res, err := s.Provision(gctx, snap)
			if err != nil {
				res = &ProvisionResult{CustomerID: snap.ID(), Error: err.Error()}
			}
			mu.Lock()
			defer mu.Unlock()
			report.Results[i] = res
			report.Created += res.Created()
			if res.Error != "" {
				report.Failed++
			}
			for _, c := range res.Categories {
				if c.Outcome == OutcomeFailed {
					report.Failed++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// Queue returns the active executions matching f, highest priority first.
func (s *WorkflowService) Queue(ctx context.Context, f models.ExecutionFilter) ([]*models.Execution, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = models.ActiveStatuses
	}
	limit := f.Limit
	f.Limit = 0
	execs, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	scheduler.Rank(execs)
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

// WorkQueue is Queue grouped into urgency buckets.
func (s *WorkflowService) WorkQueue(ctx context.Context, f models.ExecutionFilter) (map[scheduler.Urgency][]*models.Execution, error) {
	execs, err := s.Queue(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.scheduler.Buckets(execs), nil
}

// Eligibility exposes the engine's decision and explanation for snap.
func (s *WorkflowService) Eligibility(ctx context.Context, snap models.Snapshot) ([]models.Category, map[models.Category]string) {
	return s.eligibility.DetermineWorkflows(ctx, snap), s.eligibility.Explain(ctx, snap)
}
