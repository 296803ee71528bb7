// Package api contains the HTTP handlers for the customer workflow service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"cs-workflows/backend/internal/auth"
	"cs-workflows/backend/internal/condition"
	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/services"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	store      repository.Store
	workflows  *services.WorkflowService
	machine    *lifecycle.Machine
	thresholds *thresholds.Cache
	snapshots  services.SnapshotProvider
	conditions *condition.Evaluator
	sweeper    *sweeper.Sweeper
	logger     *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshots sets the provider used when a request names a customer
// instead of sending a snapshot. It defaults to the stored snapshots.
func WithSnapshots(p services.SnapshotProvider) Option {
	return func(s *Server) { s.snapshots = p }
}

// WithConditions makes modification conditions be compiled before they are
// saved.
func WithConditions(e *condition.Evaluator) Option {
	return func(s *Server) { s.conditions = e }
}

// WithSweeper exposes a manual sweep endpoint.
func WithSweeper(sw *sweeper.Sweeper) Option {
	return func(s *Server) { s.sweeper = sw }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new Server.
func NewServer(
	store repository.Store,
	workflows *services.WorkflowService,
	machine *lifecycle.Machine,
	cache *thresholds.Cache,
	opts ...Option,
) *Server {
	s := &Server{
		store:      store,
		workflows:  workflows,
		machine:    machine,
		thresholds: cache,
		snapshots:  store,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("api")
	return s
}

// RegisterRoutes mounts the REST API on g, normally the /api/v1 group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/eligibility", s.DetermineWorkflows)
	g.POST("/eligibility/explain", s.ExplainWorkflows)

	g.GET("/templates", s.ListTemplates)
	g.PUT("/templates", s.PutTemplate)
	g.POST("/templates/:templateId/modifications", s.AddModification)
	g.POST("/templates/:templateId/compile", s.CompileTemplate)
	g.POST("/templates/:templateId/render", s.RenderTemplate)

	g.GET("/thresholds", s.GetThresholds)
	g.PATCH("/thresholds", s.PatchThresholds)
	g.POST("/thresholds/refresh", s.RefreshThresholds)

	g.POST("/executions/provision", s.ProvisionExecutions)
	g.GET("/executions/queue", s.GetQueue)
	if s.sweeper != nil {
		g.POST("/executions/sweep", s.RunSweep)
	}
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/transitions", s.TransitionExecution)
}

// snapshotRequest names a customer either by sending its snapshot or by id,
// in which case the snapshot is fetched.
type snapshotRequest struct {
	CustomerID string          `json:"customer_id"`
	Snapshot   models.Snapshot `json:"snapshot"`
}

func (s *Server) resolveSnapshot(ctx context.Context, req snapshotRequest) (models.Snapshot, error) {
	var snap models.Snapshot
	switch {
	case req.Snapshot != nil:
		snap = req.Snapshot
		if snap.ID() == "" && req.CustomerID != "" {
			snap = withField(snap, models.PathCustomerID, req.CustomerID)
		}
	case req.CustomerID != "":
		fetched, err := s.snapshots.GetSnapshot(ctx, req.CustomerID)
		if err != nil {
			return nil, err
		}
		snap = fetched
	default:
		return nil, echo.NewHTTPError(http.StatusBadRequest, "either customer_id or snapshot is required")
	}
	return scopeSnapshot(ctx, snap)
}

// scopeSnapshot ties a snapshot to the caller's company. A snapshot of
// another company is refused.
func scopeSnapshot(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	company := auth.CompanyID(ctx)
	if company == "" {
		return snap, nil
	}
	switch snap.CompanyID() {
	case "":
		return withField(snap, models.PathCompanyID, company), nil
	case company:
		return snap, nil
	default:
		return nil, echo.NewHTTPError(http.StatusForbidden,
			fmt.Sprintf("customer %s belongs to another company", snap.ID()))
	}
}

// withField returns a shallow copy of snap with one top-level field set.
func withField(snap models.Snapshot, key string, value any) models.Snapshot {
	out := make(models.Snapshot, len(snap)+1)
	for k, v := range snap {
		out[k] = v
	}
	out[key] = value
	return out
}

type eligibilityResponse struct {
	CustomerID string                     `json:"customer_id"`
	Categories []models.Category          `json:"categories,omitempty"`
	Reasons    map[models.Category]string `json:"reasons"`
}

// DetermineWorkflows returns the categories a customer qualifies for
// (POST /api/v1/eligibility)
func (s *Server) DetermineWorkflows(c echo.Context) error {
	ctx := c.Request().Context()
	var req snapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	snap, err := s.resolveSnapshot(ctx, req)
	if err != nil {
		return err
	}
	categories, reasons := s.workflows.Eligibility(ctx, snap)
	return c.JSON(http.StatusOK, eligibilityResponse{
		CustomerID: snap.ID(),
		Categories: categories,
		Reasons:    reasons,
	})
}

// ExplainWorkflows returns the eligibility reasons of a customer
// (POST /api/v1/eligibility/explain)
func (s *Server) ExplainWorkflows(c echo.Context) error {
	ctx := c.Request().Context()
	var req snapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	snap, err := s.resolveSnapshot(ctx, req)
	if err != nil {
		return err
	}
	_, reasons := s.workflows.Eligibility(ctx, snap)
	return c.JSON(http.StatusOK, eligibilityResponse{CustomerID: snap.ID(), Reasons: reasons})
}

// ListTemplates returns the latest version of every template
// (GET /api/v1/templates)
func (s *Server) ListTemplates(c echo.Context) error {
	templates, err := s.store.ListTemplates(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, templates)
}

// PutTemplate stores a new template version
// (PUT /api/v1/templates)
func (s *Server) PutTemplate(c echo.Context) error {
	ctx := c.Request().Context()

	var tmpl models.Template
	if err := c.Bind(&tmpl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := validateTemplate(&tmpl); err != nil {
		return err
	}

	// A template without an id is a new concept; with one it is the next
	// version of that template.
	if tmpl.TemplateID == "" {
		tmpl.TemplateID = uuid.New().String()
	}
	tmpl.CreatedBy = auth.Actor(ctx)

	if err := s.store.SaveTemplate(ctx, &tmpl); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	s.logger.Info("template saved", "template_id", tmpl.TemplateID, "version", tmpl.Version)
	return c.JSON(http.StatusOK, tmpl)
}

func validateTemplate(t *models.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "template name is required")
	}
	if !t.Category.IsValid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("unknown category %q", t.Category))
	}
	seen := make(map[string]bool, len(t.Steps))
	for _, step := range t.Steps {
		if step.ID == "" {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "every step needs an id")
		}
		if seen[step.ID] {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
	}
	return nil
}

// AddModification registers a modification against a template
// (POST /api/v1/templates/:templateId/modifications)
func (s *Server) AddModification(c echo.Context) error {
	ctx := c.Request().Context()

	var mod models.Modification
	if err := c.Bind(&mod); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	mod.TemplateID = c.Param("templateId")
	if mod.ID == "" {
		mod.ID = uuid.New().String()
	}
	if err := mod.Validate(); err != nil {
		return err
	}
	if s.conditions != nil {
		if err := s.conditions.Check(mod.Condition); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidModification, err)
		}
	}
	if _, err := s.store.GetTemplate(ctx, mod.TemplateID); err != nil {
		return err
	}
	if err := s.store.SaveModification(ctx, &mod); err != nil {
		return fmt.Errorf("failed to save modification: %w", err)
	}
	s.logger.Info("modification saved",
		"modification_id", mod.ID,
		"template_id", mod.TemplateID,
		"scope", mod.Scope,
	)
	return c.JSON(http.StatusCreated, mod)
}

// CompileTemplate merges a template with the modifications matching a
// customer
// (POST /api/v1/templates/:templateId/compile)
func (s *Server) CompileTemplate(c echo.Context) error {
	ctx := c.Request().Context()
	var req snapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	snap, err := s.resolveSnapshot(ctx, req)
	if err != nil {
		return err
	}
	def, err := s.workflows.Compile(ctx, c.Param("templateId"), snap)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// RenderTemplate compiles a template and hydrates it with customer data
// (POST /api/v1/templates/:templateId/render)
func (s *Server) RenderTemplate(c echo.Context) error {
	ctx := c.Request().Context()
	var req snapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	snap, err := s.resolveSnapshot(ctx, req)
	if err != nil {
		return err
	}
	out, err := s.workflows.Render(ctx, c.Param("templateId"), snap)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
