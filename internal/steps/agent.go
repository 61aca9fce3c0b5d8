package steps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/marcus-qen/conductor/internal/agentruntime"
)

const (
	plannerSystemPrompt = `You are the planning agent for an autonomous code-change pipeline. ` +
		`Read the task description and produce a concrete, stepwise implementation plan. ` +
		`End your response with exactly one line containing a JSON object of the form ` +
		`{"approved": true, "summary": "..."} summarizing the plan in one sentence.`

	reviewerPlanSystemPrompt = `You are the reviewing agent for an autonomous code-change pipeline. ` +
		`Evaluate the following plan for soundness and completeness. ` +
		`End your response with exactly one line containing a JSON object of the form ` +
		`{"approved": true|false, "summary": "..."} stating your verdict.`

	implementerSystemPrompt = `You are the implementing agent for an autonomous code-change pipeline. ` +
		`You have tool access to the checked-out worktree. Apply the approved plan using the ` +
		`available tools, making the smallest set of changes that satisfies it.`

	reviewerCodeSystemPrompt = `You are the reviewing agent for an autonomous code-change pipeline. ` +
		`Evaluate the following diff against the task's plan. ` +
		`End your response with exactly one line containing a JSON object of the form ` +
		`{"approved": true|false, "summary": "..."} stating your verdict.`
)

func plannerUserPrompt(run runContext) string {
	return fmt.Sprintf("Task %s on branch %s (base %s). Produce an implementation plan.", run.TaskID, run.Branch, run.BaseBranch)
}

func implementerUserPrompt(plan string) string {
	return "Implement the following plan:\n\n" + plan
}

// runAgent invokes a no-tool agent turn (planner, plan/code reviewers).
func (m *Manager) runAgent(ctx context.Context, run runContext, agentType, systemPrompt, userPrompt string) (agentruntime.InvokeResult, error) {
	return m.invoke(ctx, run, "", agentType, systemPrompt, userPrompt, agentruntime.NewRegistry())
}

// runAgentWithTools invokes an agent turn with the builtin tool set bound
// to worktreePath (the implementer).
func (m *Manager) runAgentWithTools(ctx context.Context, run runContext, worktreePath, agentType, systemPrompt, userPrompt string) (agentruntime.InvokeResult, error) {
	return m.invoke(ctx, run, worktreePath, agentType, systemPrompt, userPrompt, agentruntime.NewRegistry(agentruntime.BuiltinTools()...))
}

func (m *Manager) invoke(ctx context.Context, run runContext, worktreePath, agentType, systemPrompt, userPrompt string, tools *agentruntime.Registry) (agentruntime.InvokeResult, error) {
	prov, err := agentruntime.ResolveProvider(m.creds, agentruntime.CredentialModeAIProvider, m.cfg.Agent.Provider, m.providerConfigFor())
	if err != nil {
		return agentruntime.InvokeResult{}, err
	}

	engine, err := m.policies.LoadEngine(runPolicySetID(run))
	if err != nil {
		return agentruntime.InvokeResult{}, fmt.Errorf("load policy engine: %w", err)
	}

	return m.agents.Invoke(ctx, agentruntime.InvokeParams{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		AgentType:    agentType,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Model:        m.cfg.Agent.Model,
		Provider:     prov,
		Tools:        tools,
		Policy:       engine,
		WorktreePath: worktreePath,
	})
}

func runPolicySetID(run runContext) string {
	if run.PolicySetID == "" {
		return "default"
	}
	return run.PolicySetID
}

// runTests runs cmd inside worktreePath with a bound timeout, returning the
// combined output as the test report body and whether it exited clean.
func (m *Manager) runTests(ctx context.Context, worktreePath, cmd string, timeout time.Duration) (report string, passed bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cctx, "sh", "-c", cmd)
	c.Dir = worktreePath
	out, runErr := c.CombinedOutput()
	report = string(out)
	if runErr == nil {
		return report, true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return report, false, nil
	}
	return report, false, runErr
}

// runGitDiff shells out to `git diff HEAD` inside worktreePath, mirroring
// agentruntime/tools.go's handleGitDiff without going through the tool
// policy layer (this call is system-initiated, not agent-initiated).
func (m *Manager) runGitDiff(worktreePath string) (string, bool, error) {
	c := exec.Command("git", "diff", "HEAD")
	c.Dir = worktreePath
	out, err := c.Output()
	if err != nil {
		return "", false, err
	}
	diff := strings.TrimSpace(string(out))
	if diff == "" {
		return "(no changes)", true, nil
	}
	return diff, true, nil
}
