package agentruntime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/provider"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRun(t *testing.T, db *storage.DB, projectID, runID, phase string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	db.Exec(`INSERT OR IGNORE INTO users (id, email, created_at) VALUES ('u1', 'u1@x.com', ?)`, now)
	db.Exec(`INSERT OR IGNORE INTO projects (id, user_id, created_at, updated_at) VALUES (?, 'u1', ?, ?)`, projectID, now, now)
	db.Exec(`INSERT OR IGNORE INTO repos (id, project_id, upstream_node_id, created_at) VALUES (?, ?, ?, ?)`, projectID+"-r", projectID, projectID+"-rn", now)
	db.Exec(`INSERT OR IGNORE INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID+"-t", projectID, projectID+"-r", projectID+"-tn", now, now, now)
	if _, err := db.Exec(
		`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, phase, base_branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, 'main', ?, ?)`,
		runID, projectID+"-t", projectID, projectID+"-r", phase, now, now,
	); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestInvokeNoToolCalls(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "executing")
	events := eventlog.New(db, zap.NewNop())

	rt := New(db, events)
	mock := provider.NewMockProviderSimple("all done")

	res, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:        "run1",
		ProjectID:    "p1",
		AgentType:    "planner",
		SystemPrompt: "you are a planner",
		UserPrompt:   "plan the change",
		Provider:     mock,
		Tools:        NewRegistry(),
		Policy:       policy.NewEngine(nil),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content != "all done" {
		t.Fatalf("unexpected content: %q", res.Content)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("expected 1 provider call, got %d", mock.CallCount())
	}

	var invocationCount int
	db.QueryRow(`SELECT COUNT(*) FROM agent_invocations WHERE run_id = ?`, "run1").Scan(&invocationCount)
	if invocationCount != 1 {
		t.Fatalf("expected 1 agent_invocations row, got %d", invocationCount)
	}

	var messageCount int
	db.QueryRow(`SELECT COUNT(*) FROM agent_messages WHERE invocation_id = ?`, res.InvocationID).Scan(&messageCount)
	if messageCount != 3 {
		t.Fatalf("expected 3 messages (system, user, assistant), got %d", messageCount)
	}
}

func TestInvokeRunsAllowedToolCall(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "executing")
	events := eventlog.New(db, zap.NewNop())
	worktree := t.TempDir()

	rt := New(db, events)
	mock := provider.NewMockProviderWithToolCalls(
		[]provider.ToolCall{{ID: "call_1", Name: "list_directory", Args: map[string]any{}}},
		"done after listing",
	)

	store := policy.NewStore(db)
	if err := store.SeedDefaults(policy.DefaultPolicySetID); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	engine, err := store.LoadEngine(policy.DefaultPolicySetID)
	if err != nil {
		t.Fatalf("load policy engine: %v", err)
	}

	res, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:        "run1",
		ProjectID:    "p1",
		AgentType:    "implementer",
		SystemPrompt: "you are an implementer",
		UserPrompt:   "list the repo",
		Provider:     mock,
		Tools:        NewRegistry(BuiltinTools()...),
		Policy:       engine,
		WorktreePath: worktree,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content != "done after listing" {
		t.Fatalf("unexpected content: %q", res.Content)
	}
	if mock.CallCount() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", mock.CallCount())
	}

	var toolStatus, policyDecision string
	if err := db.QueryRow(`SELECT status, policy_decision FROM tool_invocations WHERE run_id = ?`, "run1").
		Scan(&toolStatus, &policyDecision); err != nil {
		t.Fatalf("query tool invocation: %v", err)
	}
	if toolStatus != "completed" || policyDecision != policy.DecisionAllow {
		t.Fatalf("unexpected tool invocation row: status=%s policy=%s", toolStatus, policyDecision)
	}

	var toolEventCount int
	db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = 'tool.invoked'`, "run1").Scan(&toolEventCount)
	if toolEventCount != 1 {
		t.Fatalf("expected 1 tool.invoked event, got %d", toolEventCount)
	}
}

func TestInvokeBlocksPolicyViolatingToolCall(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "executing")
	events := eventlog.New(db, zap.NewNop())
	worktree := t.TempDir()

	rt := New(db, events)
	mock := provider.NewMockProviderWithToolCalls(
		[]provider.ToolCall{{ID: "call_1", Name: "write_file", Args: map[string]any{"path": "../escape.txt", "content": "x"}}},
		"acknowledged the block",
	)

	store := policy.NewStore(db)
	store.SeedDefaults(policy.DefaultPolicySetID)
	engine, _ := store.LoadEngine(policy.DefaultPolicySetID)

	res, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:        "run1",
		ProjectID:    "p1",
		AgentType:    "implementer",
		UserPrompt:   "escape the worktree",
		Provider:     mock,
		Tools:        NewRegistry(BuiltinTools()...),
		Policy:       engine,
		WorktreePath: worktree,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content != "acknowledged the block" {
		t.Fatalf("unexpected content: %q", res.Content)
	}

	var toolStatus, policyDecision string
	db.QueryRow(`SELECT status, policy_decision FROM tool_invocations WHERE run_id = ?`, "run1").Scan(&toolStatus, &policyDecision)
	if toolStatus != "blocked" || policyDecision != policy.DecisionBlock {
		t.Fatalf("unexpected tool invocation row: status=%s policy=%s", toolStatus, policyDecision)
	}

	var blockedEventCount int
	db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = 'tool.policy_blocked'`, "run1").Scan(&blockedEventCount)
	if blockedEventCount != 1 {
		t.Fatalf("expected 1 tool.policy_blocked event, got %d", blockedEventCount)
	}
}

func TestInvokeClassifiesProviderErrors(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "executing")
	events := eventlog.New(db, zap.NewNop())

	rt := New(db, events)
	mock := provider.NewMockProvider(
		[]*provider.CompletionResponse{nil},
		[]error{&fakeProviderError{}},
	)

	_, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:      "run1",
		ProjectID:  "p1",
		AgentType:  "planner",
		UserPrompt: "plan",
		Provider:   mock,
		Tools:      NewRegistry(),
		Policy:     policy.NewEngine(nil),
	})
	if !IsRateLimit(err) {
		t.Fatalf("expected rate_limit error, got %v", err)
	}

	var status, agentErr string
	db.QueryRow(`SELECT status, error FROM agent_invocations WHERE run_id = ?`, "run1").Scan(&status, &agentErr)
	if status != "failed" {
		t.Fatalf("expected failed status, got %s", status)
	}
}

func TestInvokeStopsOnCancelledRun(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "cancelled")
	events := eventlog.New(db, zap.NewNop())

	rt := New(db, events)
	mock := provider.NewMockProviderSimple("should not be reached")

	_, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:      "run1",
		ProjectID:  "p1",
		AgentType:  "planner",
		UserPrompt: "plan",
		Provider:   mock,
		Tools:      NewRegistry(),
		Policy:     policy.NewEngine(nil),
	})
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if mock.CallCount() != 0 {
		t.Fatalf("expected no provider calls once cancelled, got %d", mock.CallCount())
	}
}

func TestInvokeStopsAtMaxIterations(t *testing.T) {
	db := openTestDB(t)
	seedRun(t, db, "p1", "run1", "executing")
	events := eventlog.New(db, zap.NewNop())
	worktree := t.TempDir()

	responses := make([]*provider.CompletionResponse, 0, 3)
	errs := make([]error, 0, 3)
	for i := 0; i < 3; i++ {
		responses = append(responses, &provider.CompletionResponse{
			ToolCalls:  []provider.ToolCall{{ID: "call", Name: "list_directory", Args: map[string]any{}}},
			StopReason: "tool_use",
		})
		errs = append(errs, nil)
	}
	mock := provider.NewMockProvider(responses, errs)

	rt := New(db, events).WithMaxIterations(2)
	_, err := rt.Invoke(context.Background(), InvokeParams{
		RunID:        "run1",
		ProjectID:    "p1",
		AgentType:    "implementer",
		UserPrompt:   "loop forever",
		Provider:     mock,
		Tools:        NewRegistry(BuiltinTools()...),
		Policy:       policy.NewEngine(nil),
		WorktreePath: worktree,
	})
	if !IsMaxIterations(err) {
		t.Fatalf("expected max_iterations error, got %v", err)
	}
	if mock.CallCount() != 2 {
		t.Fatalf("expected exactly 2 provider calls, got %d", mock.CallCount())
	}
}

// fakeProviderError mimics how internal/provider's Anthropic/OpenAI
// adapters wrap classification markers into error text.
type fakeProviderError struct{}

func (e *fakeProviderError) Error() string { return "anthropic rate_limit: too many requests" }
