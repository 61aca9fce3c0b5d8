package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/provider"
	"github.com/marcus-qen/conductor/internal/redact"
	"github.com/marcus-qen/conductor/internal/storage"
)

// defaultMaxIterations caps the tool loop so a misbehaving agent can't spin
// forever burning provider calls (spec.md §4.7).
const defaultMaxIterations = 50

// maxMessageBytes is the size guard applied to persisted message content;
// content over this size is replaced with a role-appropriate truncation
// stub, with the original size still recorded in content_size_bytes.
const maxMessageBytes = 512 * 1024

// Runtime drives the agent tool loop: it calls a provider, persists every
// turn, evaluates and executes tool calls against a policy engine and tool
// registry, and emits eventlog entries for each tool invocation.
type Runtime struct {
	db            *storage.DB
	events        *eventlog.Log
	maxIterations int
}

// New constructs a Runtime over db and events, using the default iteration
// cap.
func New(db *storage.DB, events *eventlog.Log) *Runtime {
	return &Runtime{db: db, events: events, maxIterations: defaultMaxIterations}
}

// WithMaxIterations overrides the iteration cap (mainly for tests).
func (rt *Runtime) WithMaxIterations(n int) *Runtime {
	if n > 0 {
		rt.maxIterations = n
	}
	return rt
}

// InvokeParams is the input to one agent invocation.
type InvokeParams struct {
	RunID        string
	ProjectID    string
	AgentType    string
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int32

	Provider     provider.Provider
	Tools        *Registry
	Policy       *policy.Engine
	WorktreePath string

	// Cancel, if non-nil, is checked before every provider call and between
	// every tool call in addition to the run's DB phase.
	Cancel <-chan struct{}
}

// InvokeResult is the outcome of a successful agent invocation (the final,
// non-tool-call turn).
type InvokeResult struct {
	InvocationID string
	Content      string
	StopReason   string
	TokensInput  int64
	TokensOutput int64
	DurationMs   int64
}

// Invoke runs the tool loop to completion: persist → call provider →
// persist assistant turn → if no tool calls, return; otherwise evaluate and
// execute each requested tool call, persist the results, and iterate
// (spec.md §4.7).
func (rt *Runtime) Invoke(ctx context.Context, p InvokeParams) (InvokeResult, error) {
	if p.Provider == nil {
		return InvokeResult{}, NewUnsupportedProviderError("")
	}

	start := storage.Now()
	invocationID := conductorids.New(conductorids.KindAgentInvoc)
	if err := rt.insertInvocation(invocationID, p.RunID, p.AgentType, start); err != nil {
		return InvokeResult{}, NewAgentError(err)
	}

	turn := 0
	if p.SystemPrompt != "" {
		rt.persistPlainMessage(invocationID, turn, "system", p.SystemPrompt)
		turn++
	}
	rt.persistPlainMessage(invocationID, turn, "user", p.UserPrompt)
	turn++

	messages := []provider.Message{{Role: "user", Content: p.UserPrompt}}
	toolDefs := p.Tools.Definitions()

	for iter := 0; iter < rt.maxIterations; iter++ {
		if err := rt.checkCancellation(p.RunID, p.Cancel); err != nil {
			rt.failInvocation(invocationID, start, err)
			return InvokeResult{}, err
		}

		req := &provider.CompletionRequest{
			SystemPrompt: p.SystemPrompt,
			Messages:     messages,
			Tools:        toolDefs,
			Model:        p.Model,
			MaxTokens:    p.MaxTokens,
		}
		resp, err := p.Provider.Complete(ctx, req)
		if err != nil {
			rtErr := classifyProviderError(err)
			rt.failInvocation(invocationID, start, rtErr)
			return InvokeResult{}, rtErr
		}

		rt.persistAssistantMessage(invocationID, turn, resp)
		turn++
		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if !resp.HasToolCalls() {
			rt.completeInvocation(invocationID, start, resp)
			return InvokeResult{
				InvocationID: invocationID,
				Content:      resp.Content,
				StopReason:   resp.StopReason,
				TokensInput:  resp.Usage.InputTokens,
				TokensOutput: resp.Usage.OutputTokens,
				DurationMs:   time.Since(start).Milliseconds(),
			}, nil
		}

		if err := rt.checkCancellation(p.RunID, p.Cancel); err != nil {
			rt.failInvocation(invocationID, start, err)
			return InvokeResult{}, err
		}

		results := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			results = append(results, rt.executeToolCall(ctx, invocationID, p, tc))
		}
		rt.persistToolResultMessage(invocationID, turn, results)
		turn++
		messages = append(messages, provider.Message{Role: "user", ToolResults: results})
	}

	maxIterErr := NewMaxIterationsError(rt.maxIterations)
	rt.failInvocation(invocationID, start, maxIterErr)
	return InvokeResult{}, maxIterErr
}

// checkCancellation reports a cancelled error if the caller's signal has
// fired or the run's phase has moved to cancelled in the DB, matching
// spec.md §4.7's "check both the caller signal and the run's DB phase"
// requirement.
func (rt *Runtime) checkCancellation(runID string, cancel <-chan struct{}) error {
	if cancel != nil {
		select {
		case <-cancel:
			return NewCancelledError()
		default:
		}
	}
	var phase string
	if err := rt.db.QueryRow(`SELECT phase FROM runs WHERE id = ?`, runID).Scan(&phase); err != nil {
		// Best-effort: a lookup failure shouldn't itself abort the loop.
		return nil
	}
	if phase == "cancelled" {
		return NewCancelledError()
	}
	return nil
}

func (rt *Runtime) executeToolCall(ctx context.Context, invocationID string, p InvokeParams, tc provider.ToolCall) provider.ToolResult {
	toolInvocationID := conductorids.New(conductorids.KindToolInvocation)
	created := storage.Now()

	redacted := redact.Value(tc.Args, nil, nil)

	decision := p.Policy.Check(tc.Name, tc.Args, policy.EvalContext{
		RunID:        p.RunID,
		InvocationID: invocationID,
		WorktreePath: p.WorktreePath,
		ProjectID:    p.ProjectID,
	})

	status := "started"
	policyDecision := policy.DecisionAllow
	if !decision.Allowed {
		status = "blocked"
		policyDecision = policy.DecisionBlock
	}

	rt.db.Exec(
		`INSERT INTO tool_invocations (id, invocation_id, run_id, tool_name, args_redacted, payload_hash, policy_decision, policy_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toolInvocationID, invocationID, p.RunID, tc.Name, redacted.CanonicalJSON, redacted.Hash,
		policyDecision, decision.PolicyID, status, created.Format(time.RFC3339Nano),
	)

	if !decision.Allowed {
		rt.emitToolEvent(p.ProjectID, p.RunID, "tool.policy_blocked", toolInvocationID, tc.Name, decision.Reason)
		rt.db.Exec(
			`UPDATE tool_invocations SET error = ?, completed_at = ? WHERE id = ?`,
			decision.Reason, storage.Now().Format(time.RFC3339Nano), toolInvocationID,
		)
		return provider.ToolResult{ToolCallID: tc.ID, Content: fmt.Sprintf("blocked by policy: %s", decision.Reason), IsError: true}
	}

	rt.emitToolEvent(p.ProjectID, p.RunID, "tool.invoked", toolInvocationID, tc.Name, "")

	tool, ok := p.Tools.Get(tc.Name)
	if !ok {
		rt.finishToolInvocation(toolInvocationID, created, "failed", "unknown tool")
		return provider.ToolResult{ToolCallID: tc.ID, Content: fmt.Sprintf("unknown tool %q", tc.Name), IsError: true}
	}

	content, isError, err := tool.Handler(ctx, ToolContext{
		RunID:        p.RunID,
		InvocationID: invocationID,
		ProjectID:    p.ProjectID,
		WorktreePath: p.WorktreePath,
	}, tc.Args)
	if err != nil {
		rt.finishToolInvocation(toolInvocationID, created, "failed", err.Error())
		return provider.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true}
	}

	status = "completed"
	errMsg := ""
	if isError {
		status = "failed"
		errMsg = content
	}
	rt.finishToolInvocation(toolInvocationID, created, status, errMsg)
	return provider.ToolResult{ToolCallID: tc.ID, Content: content, IsError: isError}
}

func (rt *Runtime) finishToolInvocation(id string, created time.Time, status, errMsg string) {
	rt.db.Exec(
		`UPDATE tool_invocations SET status = ?, error = ?, duration_ms = ?, completed_at = ? WHERE id = ?`,
		status, errMsg, time.Since(created).Milliseconds(), storage.Now().Format(time.RFC3339Nano), id,
	)
}

func (rt *Runtime) emitToolEvent(projectID, runID, eventType, toolInvocationID, toolName, reason string) {
	if rt.events == nil || runID == "" {
		return
	}
	payload := map[string]any{"toolInvocationId": toolInvocationID, "toolName": toolName}
	if reason != "" {
		payload["reason"] = reason
	}
	idempotencyKey := fmt.Sprintf("%s:%s", eventType, toolInvocationID)
	rt.events.CreateEvent(projectID, eventType, eventlog.ClassFact, payload, idempotencyKey, eventlog.SourceToolLayer, runID)
}

func (rt *Runtime) insertInvocation(id, runID, agentType string, start time.Time) error {
	_, err := rt.db.Exec(
		`INSERT INTO agent_invocations (id, run_id, agent_type, status, created_at) VALUES (?, ?, ?, 'running', ?)`,
		id, runID, agentType, start.Format(time.RFC3339Nano),
	)
	return err
}

func (rt *Runtime) completeInvocation(id string, start time.Time, resp *provider.CompletionResponse) {
	rt.db.Exec(
		`UPDATE agent_invocations SET status = 'completed', tokens_input = ?, tokens_output = ?, duration_ms = ?, completed_at = ? WHERE id = ?`,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Milliseconds(),
		storage.Now().Format(time.RFC3339Nano), id,
	)
}

func (rt *Runtime) failInvocation(id string, start time.Time, err error) {
	rt.db.Exec(
		`UPDATE agent_invocations SET status = 'failed', error = ?, duration_ms = ?, completed_at = ? WHERE id = ?`,
		err.Error(), time.Since(start).Milliseconds(), storage.Now().Format(time.RFC3339Nano), id,
	)
}

// --- message persistence with the 512 KiB truncation guard ---

func (rt *Runtime) persistPlainMessage(invocationID string, turn int, role, text string) {
	rt.insertMessage(invocationID, turn, role, text, func() string {
		return "[truncated: original content exceeded the size limit]"
	})
}

func (rt *Runtime) persistAssistantMessage(invocationID string, turn int, resp *provider.CompletionResponse) {
	blocks := []map[string]any{{"type": "text", "text": resp.Content}}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Args})
	}
	raw, _ := json.Marshal(blocks)
	rt.insertMessage(invocationID, turn, "assistant", string(raw), func() string {
		stub, _ := json.Marshal([]map[string]any{{"type": "text", "text": "[truncated]"}})
		return string(stub)
	})
}

func (rt *Runtime) persistToolResultMessage(invocationID string, turn int, results []provider.ToolResult) {
	blocks := make([]map[string]any, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, map[string]any{"type": "tool_result", "tool_use_id": r.ToolCallID, "content": r.Content, "is_error": r.IsError})
	}
	raw, _ := json.Marshal(blocks)
	rt.insertMessage(invocationID, turn, "tool_result", string(raw), func() string {
		stub, _ := json.Marshal([]map[string]any{{"type": "tool_result", "tool_use_id": "truncated", "content": "[truncated]"}})
		return string(stub)
	})
}

// insertMessage writes one agent_messages row, substituting stub() for
// content that exceeds maxMessageBytes while still recording the original
// size in content_size_bytes.
func (rt *Runtime) insertMessage(invocationID string, turn int, role, content string, stub func() string) {
	size := len(content)
	stored := content
	if size > maxMessageBytes {
		stored = stub()
	}
	rt.db.Exec(
		`INSERT INTO agent_messages (id, invocation_id, turn_index, role, content, content_size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conductorids.New(conductorids.KindAgentMessage), invocationID, turn, role, stored, size, storage.Now().Format(time.RFC3339Nano),
	)
}
