package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/internal/services"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/pkg/models"
)

const instructions = `Customer workflow tools. Start with get_work_queue to see what needs
attention, ordered overdue, critical, urgent, upcoming, normal. Use
explain_workflows before provision_workflows to see why a customer qualifies.
transition_execution moves one execution through its lifecycle; a conflict
result means someone else changed it first, so reload and retry.
run_escalation_check flags snoozed work that is due today or overdue.`

// Server exposes the workflow engine as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	workflows *services.WorkflowService
	machine   *lifecycle.Machine
	sweeper   *sweeper.Sweeper
	snapshots services.SnapshotProvider
	logger    *logging.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(
	workflows *services.WorkflowService,
	machine *lifecycle.Machine,
	sw *sweeper.Sweeper,
	snapshots services.SnapshotProvider,
	logger *logging.Logger,
) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Customer Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		workflows: workflows,
		machine:   machine,
		sweeper:   sw,
		snapshots: snapshots,
		logger:    logger.Component("mcp"),
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_work_queue",
			mcp.WithDescription("List active executions grouped by urgency, highest priority first"),
			mcp.WithString("company_id", mcp.Description("Only executions of this company")),
			mcp.WithString("customer_id", mcp.Description("Only executions of this customer")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of executions to consider")),
		),
		s.handleGetWorkQueue,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"determine_workflows",
			mcp.WithDescription("Decide which workflow categories apply to a customer"),
			mcp.WithString("customer_id", mcp.Description("Customer whose snapshot is fetched")),
			mcp.WithObject("snapshot", mcp.Description("Customer snapshot to use instead of fetching one")),
		),
		s.handleDetermineWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"explain_workflows",
			mcp.WithDescription("Explain every eligibility decision for a customer"),
			mcp.WithString("customer_id", mcp.Description("Customer whose snapshot is fetched")),
			mcp.WithObject("snapshot", mcp.Description("Customer snapshot to use instead of fetching one")),
		),
		s.handleExplainWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"provision_workflows",
			mcp.WithDescription("Create executions for every eligible category of the given customers"),
			mcp.WithArray("customer_ids",
				mcp.Required(),
				mcp.Description("Customers to provision"),
				mcp.Items(map[string]any{"type": "string"}),
			),
		),
		s.handleProvisionWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"transition_execution",
			mcp.WithDescription("Apply a lifecycle action to an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The ID of the execution")),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("Lifecycle action"),
				mcp.Enum("start", "complete", "snooze", "wake", "skip", "escalate", "clear_escalation"),
			),
			mcp.WithString("until", mcp.Description("RFC 3339 wake-up time, required by snooze")),
			mcp.WithString("reason", mcp.Description("Required by skip")),
			mcp.WithString("user", mcp.Description("Escalation user, required by escalate")),
			mcp.WithString("expected_status", mcp.Description("Fail unless the execution is in this status")),
		),
		s.handleTransitionExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_snooze_sweep",
			mcp.WithDescription("Wake snoozed executions that are due now instead of waiting for the next scheduled sweep"),
		),
		s.handleRunSnoozeSweep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_escalation_check",
			mcp.WithDescription("Escalate snoozed executions that are due today or overdue and not escalated yet"),
			mcp.WithString("user", mcp.Description("Escalation user, defaults to the configured one")),
		),
		s.handleRunEscalationCheck,
	)
}

// queueSummary is the work queue with counts for a quick read.
type queueSummary struct {
	Counts    map[scheduler.Urgency]int                   `json:"counts"`
	Escalated int                                         `json:"escalated"`
	Buckets   map[scheduler.Urgency][]*models.Execution `json:"buckets"`
}

func (s *Server) handleGetWorkQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	filter := models.ExecutionFilter{}
	filter.CompanyID, _ = args["company_id"].(string)
	filter.CustomerID, _ = args["customer_id"].(string)
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}

	buckets, err := s.workflows.WorkQueue(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load work queue: %v", err)), nil
	}

	summary := queueSummary{Counts: make(map[scheduler.Urgency]int, len(buckets)), Buckets: buckets}
	for urgency, execs := range buckets {
		summary.Counts[urgency] = len(execs)
		for _, e := range execs {
			if e.EscalationUser != nil {
				summary.Escalated++
			}
		}
	}
	return jsonResult(summary)
}

func (s *Server) handleDetermineWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, errResult := s.snapshotArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	categories, _ := s.workflows.Eligibility(ctx, snap)
	return jsonResult(map[string]any{"customer_id": snap.ID(), "categories": categories})
}

func (s *Server) handleExplainWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, errResult := s.snapshotArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	_, reasons := s.workflows.Eligibility(ctx, snap)
	return jsonResult(map[string]any{"customer_id": snap.ID(), "reasons": reasons})
}

// snapshotArg reads the snapshot argument, or fetches the snapshot of
// customer_id.
func (s *Server) snapshotArg(ctx context.Context, request mcp.CallToolRequest) (models.Snapshot, *mcp.CallToolResult) {
	args, ok := arguments(request)
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}
	if raw, ok := args["snapshot"].(map[string]any); ok {
		return models.Snapshot(raw), nil
	}
	id, ok := args["customer_id"].(string)
	if !ok || id == "" {
		return nil, mcp.NewToolResultError("Missing required parameter: customer_id or snapshot")
	}
	snap, err := s.snapshots.GetSnapshot(ctx, id)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to load snapshot: %v", err))
	}
	return snap, nil
}

func (s *Server) handleProvisionWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	ids, ok := args["customer_ids"].([]any)
	if !ok || len(ids) == 0 {
		return mcp.NewToolResultError("Missing required parameter: customer_ids"), nil
	}

	snaps := make([]models.Snapshot, 0, len(ids))
	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok || id == "" {
			return mcp.NewToolResultError("customer_ids must be non-empty strings"), nil
		}
		snap, err := s.snapshots.GetSnapshot(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load snapshot of %s: %v", id, err)), nil
		}
		snaps = append(snaps, snap)
	}

	report, err := s.workflows.ProvisionAll(ctx, snaps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to provision: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) handleTransitionExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}
	actionName, _ := args["action"].(string)
	action := lifecycle.Action(actionName)
	if !action.IsValid() {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown action %q", actionName)), nil
	}

	payload := lifecycle.Payload{Actor: "mcp"}
	payload.Reason, _ = args["reason"].(string)
	payload.User, _ = args["user"].(string)
	if expected, ok := args["expected_status"].(string); ok && expected != "" {
		payload.ExpectedStatus = models.ExecutionStatus(expected)
	}
	if raw, ok := args["until"].(string); ok && raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid until %q: want RFC 3339", raw)), nil
		}
		payload.Until = &until
	}

	e, err := s.machine.Transition(ctx, id, action, payload)
	if err != nil {
		if lifecycle.IsRetryable(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Conflict, reload and retry: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s execution: %v", action, err)), nil
	}
	return jsonResult(e)
}

func (s *Server) handleRunSnoozeSweep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.sweeper.SweepOnce(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) handleRunEscalationCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	user, _ := args["user"].(string)
	report, err := s.sweeper.Escalate(ctx, user)
	if errors.Is(err, sweeper.ErrNoEscalationUser) {
		return mcp.NewToolResultError("No escalation user given and none is configured"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escalation check failed: %v", err)), nil
	}
	return jsonResult(report)
}

func arguments(request mcp.CallToolRequest) (map[string]any, bool) {
	if request.Params.Arguments == nil {
		return map[string]any{}, true
	}
	args, ok := request.Params.Arguments.(map[string]any)
	return args, ok
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the MCP server over SSE under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
