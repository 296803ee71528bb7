package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"cs-workflows/backend/internal/auth"
	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/pkg/models"
)

type provisionRequest struct {
	Snapshots   []models.Snapshot `json:"snapshots"`
	CustomerIDs []string          `json:"customer_ids"`
}

// ProvisionExecutions creates executions for every eligible category of
// the given customers
// (POST /api/v1/executions/provision)
func (s *Server) ProvisionExecutions(c echo.Context) error {
	ctx := c.Request().Context()

	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(req.Snapshots) == 0 && len(req.CustomerIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "snapshots or customer_ids are required")
	}

	snaps := make([]models.Snapshot, 0, len(req.Snapshots)+len(req.CustomerIDs))
	for _, snap := range req.Snapshots {
		scoped, err := scopeSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		snaps = append(snaps, scoped)
	}
	for _, id := range req.CustomerIDs {
		snap, err := s.resolveSnapshot(ctx, snapshotRequest{CustomerID: id})
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}

	report, err := s.workflows.ProvisionAll(ctx, snaps)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// GetQueue returns the active executions of the caller's company, highest
// priority first, or grouped by urgency with group=urgency
// (GET /api/v1/executions/queue)
func (s *Server) GetQueue(c echo.Context) error {
	ctx := c.Request().Context()

	var params struct {
		Status     []models.ExecutionStatus
		CustomerID *string
		Limit      *int
		Group      *string
	}
	if err := runtime.BindQueryParameter("form", true, false, "status", c.QueryParams(), &params.Status); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter status: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "customer_id", c.QueryParams(), &params.CustomerID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter customer_id: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter limit: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "group", c.QueryParams(), &params.Group); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter group: "+err.Error())
	}

	filter := models.ExecutionFilter{
		CompanyID: auth.CompanyID(ctx),
		Statuses:  params.Status,
	}
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
		}
	}
	if params.CustomerID != nil {
		filter.CustomerID = *params.CustomerID
	}
	if params.Limit != nil {
		if *params.Limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
		}
		filter.Limit = *params.Limit
	}

	if params.Group != nil {
		if *params.Group != "urgency" {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown grouping %q", *params.Group))
		}
		buckets, err := s.workflows.WorkQueue(ctx, filter)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, buckets)
	}

	queue, err := s.workflows.Queue(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, queue)
}

// GetExecution returns one execution
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	e, err := s.loadExecution(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// loadExecution reads the execution named in the path. Executions of other
// companies are reported as missing.
func (s *Server) loadExecution(c echo.Context) (*models.Execution, error) {
	ctx := c.Request().Context()
	id := c.Param("id")
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if company := auth.CompanyID(ctx); company != "" && e.CompanyID != "" && e.CompanyID != company {
		return nil, fmt.Errorf("execution %s: %w", id, repository.ErrNotFound)
	}
	return e, nil
}

type transitionRequest struct {
	Action lifecycle.Action `json:"action"`
	lifecycle.Payload
}

// TransitionExecution applies a lifecycle action to an execution
// (POST /api/v1/executions/:id/transitions)
func (s *Server) TransitionExecution(c echo.Context) error {
	ctx := c.Request().Context()

	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if !req.Action.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ExpectedStatus != "" && !req.ExpectedStatus.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.ExpectedStatus))
	}
	if _, err := s.loadExecution(c); err != nil {
		return err
	}

	req.Payload.Actor = auth.Actor(ctx)
	e, err := s.machine.Transition(ctx, c.Param("id"), req.Action, req.Payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// RunSweep runs one snooze sweep immediately
// (POST /api/v1/executions/sweep)
func (s *Server) RunSweep(c echo.Context) error {
	report, err := s.sweeper.SweepOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
