package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type runStatusInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

type runStatusPayload struct {
	RunID       string  `json:"run_id"`
	ProjectID   string  `json:"project_id"`
	TaskID      string  `json:"task_id"`
	Phase       string  `json:"phase"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type listRunEventsInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
	Limit int    `json:"limit,omitempty" jsonschema:"optional max events to return (default 50)"`
}

type eventSummary struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Class    string          `json:"class"`
	Sequence int64           `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

type analyticsTotalsInput struct {
	UserID string `json:"user_id" jsonschema:"user identifier"`
}

type runsByPhaseInput struct {
	UserID string `json:"user_id" jsonschema:"user identifier"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "conductor_run_status",
		Description: "Get the current phase and lifecycle timestamps for a run",
	}, s.handleRunStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "conductor_list_run_events",
		Description: "List the append-only event log for a run, oldest first",
	}, s.handleListRunEvents)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "conductor_analytics_totals",
		Description: "Get run count/success-rate totals for a user",
	}, s.handleAnalyticsTotals)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "conductor_runs_by_phase",
		Description: "Get current run counts grouped by phase for a user",
	}, s.handleRunsByPhase)
}

func (s *MCPServer) handleRunStatus(_ context.Context, _ *mcp.CallToolRequest, input runStatusInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}

	var p runStatusPayload
	var completedAt *string
	err := s.db.QueryRow(
		`SELECT id, project_id, task_id, phase, created_at, updated_at, completed_at FROM runs WHERE id = ?`,
		input.RunID,
	).Scan(&p.RunID, &p.ProjectID, &p.TaskID, &p.Phase, &p.CreatedAt, &p.UpdatedAt, &completedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("run %q not found: %w", input.RunID, err)
	}
	p.CompletedAt = completedAt

	return jsonToolResult(p)
}

func (s *MCPServer) handleListRunEvents(_ context.Context, _ *mcp.CallToolRequest, input listRunEventsInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	limit := input.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var evts []eventlog.Event
	var err error
	if s.events != nil {
		evts, err = s.events.ListByRun(input.RunID)
	}
	if err != nil {
		return nil, nil, err
	}

	out := make([]eventSummary, 0, len(evts))
	for i, e := range evts {
		if i >= limit {
			break
		}
		out = append(out, eventSummary{ID: e.ID, Type: e.Type, Class: e.Class, Sequence: e.Sequence, Payload: e.Payload})
	}

	return jsonToolResult(out)
}

func (s *MCPServer) handleAnalyticsTotals(_ context.Context, _ *mcp.CallToolRequest, input analyticsTotalsInput) (*mcp.CallToolResult, any, error) {
	if input.UserID == "" {
		return nil, nil, fmt.Errorf("user_id is required")
	}
	totals, err := s.analytics.Totals(input.UserID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(totals)
}

func (s *MCPServer) handleRunsByPhase(_ context.Context, _ *mcp.CallToolRequest, input runsByPhaseInput) (*mcp.CallToolResult, any, error) {
	if input.UserID == "" {
		return nil, nil, fmt.Errorf("user_id is required")
	}
	counts, err := s.analytics.RunsByPhase(input.UserID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(counts)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}
