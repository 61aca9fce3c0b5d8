package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

func newTestMCPServer(t *testing.T) (*MCPServer, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := eventlog.New(db, zap.NewNop())
	srv := New(db, events, zap.NewNop())
	return srv, db
}

func connectClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for mcp server shutdown")
		}
	})

	return session
}

func decodeToolJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %#v", result)
	}
	var text string
	switch content := result.Content[0].(type) {
	case *mcp.TextContent:
		text = content.Text
	default:
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("decode tool json: %v (text=%q)", err, text)
	}
}

func seedRun(t *testing.T, db *storage.DB, userID, projectID, runID, phase string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	db.Exec(`INSERT OR IGNORE INTO users (id, email, created_at) VALUES (?, ?, ?)`, userID, userID+"@x.com", now)
	db.Exec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`, projectID, userID, now, now)
	db.Exec(`INSERT INTO repos (id, project_id, upstream_node_id, created_at) VALUES (?, ?, ?, ?)`, projectID+"-r", projectID, projectID+"-rn", now)
	db.Exec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID+"-t", projectID, projectID+"-r", projectID+"-tn", now, now, now)
	if _, err := db.Exec(
		`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, phase, base_branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, 'main', ?, ?)`,
		runID, projectID+"-t", projectID, projectID+"-r", phase, now, now,
	); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestToolsRegistered(t *testing.T) {
	srv, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"conductor_analytics_totals",
		"conductor_list_run_events",
		"conductor_run_status",
		"conductor_runs_by_phase",
	}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestRunStatusTool(t *testing.T) {
	srv, db := newTestMCPServer(t)
	seedRun(t, db, "u1", "p1", "run1", "executing")

	session := connectClient(t, srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "conductor_run_status",
		Arguments: map[string]any{"run_id": "run1"},
	})
	if err != nil {
		t.Fatalf("call conductor_run_status: %v", err)
	}

	var status runStatusPayload
	decodeToolJSON(t, result, &status)
	if status.Phase != "executing" || status.ProjectID != "p1" {
		t.Fatalf("unexpected run status: %+v", status)
	}
}

func TestRunStatusToolUnknownRun(t *testing.T) {
	srv, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "conductor_run_status",
		Arguments: map[string]any{"run_id": "does-not-exist"},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown run")
	}
}

func TestAnalyticsTotalsTool(t *testing.T) {
	srv, db := newTestMCPServer(t)
	seedRun(t, db, "u1", "p1", "run1", "completed")
	seedRun(t, db, "u1", "p1", "run2", "cancelled")

	session := connectClient(t, srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "conductor_analytics_totals",
		Arguments: map[string]any{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("call conductor_analytics_totals: %v", err)
	}

	var totals struct {
		TotalRuns     int
		CompletedRuns int
		CancelledRuns int
	}
	decodeToolJSON(t, result, &totals)
	if totals.TotalRuns != 2 || totals.CompletedRuns != 1 || totals.CancelledRuns != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestRunsByPhaseTool(t *testing.T) {
	srv, db := newTestMCPServer(t)
	seedRun(t, db, "u1", "p1", "run1", "executing")
	seedRun(t, db, "u1", "p1", "run2", "executing")

	session := connectClient(t, srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "conductor_runs_by_phase",
		Arguments: map[string]any{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("call conductor_runs_by_phase: %v", err)
	}

	var counts []struct {
		Phase string
		Count int
	}
	decodeToolJSON(t, result, &counts)
	if len(counts) != 1 || counts[0].Phase != "executing" || counts[0].Count != 2 {
		t.Fatalf("unexpected phase counts: %+v", counts)
	}
}

func TestListRunEventsTool(t *testing.T) {
	srv, db := newTestMCPServer(t)
	seedRun(t, db, "u1", "p1", "run1", "executing")

	events := eventlog.New(db, zap.NewNop())
	if _, err := events.CreateEvent("p1", "phase.transitioned", eventlog.ClassDecision,
		map[string]any{"from": "pending", "to": "executing"}, "idem-1", eventlog.SourceOrchestrator, "run1"); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	session := connectClient(t, srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "conductor_list_run_events",
		Arguments: map[string]any{"run_id": "run1"},
	})
	if err != nil {
		t.Fatalf("call conductor_list_run_events: %v", err)
	}

	var evts []eventSummary
	decodeToolJSON(t, result, &evts)
	if len(evts) != 1 || evts[0].Type != "phase.transitioned" {
		t.Fatalf("unexpected events: %+v", evts)
	}
}
