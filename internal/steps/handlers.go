package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/agentruntime"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/redact"
	"github.com/marcus-qen/conductor/internal/worktree"
)

// stepSetupWorktree clones/fetches the repo, resolves the base branch,
// creates the run's worktree, and allocates its dev-server port, then
// chains straight into route (spec.md §4.10, §4.6).
func stepSetupWorktree(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	clone, err := m.worktrees.CloneOrFetchRepo(run.ProjectID, run.RepoID, run.RemoteURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("clone or fetch repo: %w", err)
	}

	baseBranch := run.BaseBranch
	if baseBranch == "" {
		baseBranch = worktree.ResolveBaseBranch("", run.RepoDefaultBranch, clone.ClonePath)
	}

	wt, err := m.worktrees.CreateWorktree(worktree.CreateParams{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		RepoID:     run.RepoID,
		ClonePath:  clone.ClonePath,
		BaseBranch: baseBranch,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create worktree: %w", err)
	}
	if err := m.setBranch(run.ID, wt.Branch); err != nil {
		return Outcome{}, err
	}

	if _, err := m.worktrees.AllocatePort(run.ProjectID, wt.ID, "dev_server", m.cfg.PortRangeStart, m.cfg.PortRangeEnd); err != nil && !worktree.IsNoPortsAvailable(err) {
		return Outcome{}, fmt.Errorf("allocate port: %w", err)
	}

	return Outcome{NextStep: StepRoute}, nil
}

// stepRoute seeds the run's policy set if this is its first pass through
// (idempotent) and hands off to the planner. This is the resolved shape of
// the pipeline's routing point: every entry into planning passes through
// here so policy seeding has exactly one call site regardless of which
// phase transition led to it.
func stepRoute(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	policySetID := run.PolicySetID
	if policySetID == "" {
		policySetID = policy.DefaultPolicySetID
	}
	if err := m.policies.SeedDefaults(policySetID); err != nil {
		return Outcome{}, fmt.Errorf("seed policy defaults: %w", err)
	}
	return Outcome{NextStep: StepPlannerCreatePlan}, nil
}

// stepPlannerCreatePlan invokes the planner agent, persists its plan as a
// plan artifact, and advances to awaiting_plan_approval for operator
// review (spec.md §4.6, §4.7).
func stepPlannerCreatePlan(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	result, err := m.runAgent(ctx, run, "planner", plannerSystemPrompt, plannerUserPrompt(run))
	if err != nil {
		return m.blockOnAgentError(run, orchestrator.PhasePlanning, "planner_create_plan", err)
	}

	hash, scheme := redact.Hash(result.Content)
	if _, err := m.writeArtifact(run.ID, ArtifactPlan, result.Content, fmt.Sprintf("%s:%s", scheme, hash), "pending"); err != nil {
		return Outcome{}, err
	}

	return Outcome{Transition: &Transition{
		ToPhase: orchestrator.PhaseAwaitingPlanApproval,
		Reason:  "plan ready for review",
	}}, nil
}

// stepReviewerReviewPlan invokes the reviewer agent against the latest
// plan artifact. Approval is operator-driven (approve_plan/revise_plan),
// so this step only runs when an automated pre-review pass is configured;
// its verdict is recorded as a review artifact for the operator to read,
// never itself transitions the phase.
func stepReviewerReviewPlan(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	plan, ok, err := m.latestArtifact(run.ID, ArtifactPlan)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("reviewer_review_plan: no plan artifact for run %s", run.ID)
	}

	result, err := m.runAgent(ctx, run, "reviewer", reviewerPlanSystemPrompt, plan)
	if err != nil {
		return m.blockOnAgentError(run, orchestrator.PhasePlanning, "reviewer_review_plan", err)
	}

	v := parseVerdict(result.Content)
	status := "invalid"
	if v.Approved {
		status = "valid"
	}
	if _, err := m.writeArtifact(run.ID, ArtifactReview, result.Content, "", status); err != nil {
		return Outcome{}, err
	}

	return Outcome{}, nil
}

// stepWaitPlanApproval is a no-op: awaiting_plan_approval only leaves via
// the operator actions approve_plan/revise_plan/reject_run (spec.md §4.9),
// which call orchestrator.TransitionPhase directly. Enqueuing this step on
// phase entry exists so the run's `step` column reads something
// informative rather than staying blank.
func stepWaitPlanApproval(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	return Outcome{}, nil
}

// stepImplementerApplyChanges invokes the implementer agent with tool
// access to the worktree, then chains into running tests.
func stepImplementerApplyChanges(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	plan, _, err := m.latestArtifact(run.ID, ArtifactPlan)
	if err != nil {
		return Outcome{}, err
	}

	wt, ok, err := m.worktrees.ActiveByRun(run.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("implementer_apply_changes: no active worktree for run %s", run.ID)
	}

	result, err := m.runAgentWithTools(ctx, run, wt.Path, "implementer", implementerSystemPrompt, implementerUserPrompt(plan))
	if err != nil {
		return m.blockOnAgentError(run, orchestrator.PhaseExecuting, "implementer_apply_changes", err)
	}
	_ = result

	return Outcome{NextStep: StepTesterRunTests}, nil
}

// stepTesterRunTests runs the repo's test command inside the worktree. A
// failure re-invokes the implementer up to MaxTestFixAttempts times before
// blocking; success advances to awaiting_review (spec.md §4.6).
func stepTesterRunTests(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	wt, ok, err := m.worktrees.ActiveByRun(run.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("tester_run_tests: no active worktree for run %s", run.ID)
	}

	cmd := run.RepoTestCmd
	if cmd == "" {
		cmd = m.cfg.Steps.DefaultTestCommand
	}
	timeout := time.Duration(m.cfg.Steps.TestTimeoutSeconds) * time.Second

	report, passed, runErr := m.runTests(ctx, wt.Path, cmd, timeout)
	status := "valid"
	if !passed {
		status = "invalid"
	}
	if _, err := m.writeArtifact(run.ID, ArtifactTestReport, report, "", status); err != nil {
		return Outcome{}, err
	}
	if runErr != nil {
		m.events.CreateEvent(run.ProjectID, "test.run_error", eventlog.ClassDecision, map[string]any{"error": runErr.Error()}, "", eventlog.SourceOrchestrator, run.ID)
	}

	if passed {
		return Outcome{Transition: &Transition{
			ToPhase: orchestrator.PhaseAwaitingReview,
			Reason:  "tests passed",
		}}, nil
	}

	if run.TestFixAttempts >= m.cfg.Steps.MaxTestFixAttempts {
		return m.blockRun(run, orchestrator.PhaseExecuting, "exceeded max test fix attempts")
	}
	if err := m.bumpCounter(run.ID, "test_fix_attempts"); err != nil {
		return Outcome{}, err
	}
	return Outcome{NextStep: StepImplementerApplyChanges}, nil
}

// stepReviewerReviewCode invokes the reviewer agent against the diff.
// Rejection re-invokes the implementer up to MaxReviewRounds times before
// blocking; approval completes the run (spec.md §4.6).
func stepReviewerReviewCode(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	wt, ok, err := m.worktrees.ActiveByRun(run.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("reviewer_review_code: no active worktree for run %s", run.ID)
	}

	diff, _, err := m.runGitDiff(wt.Path)
	if err != nil {
		return Outcome{}, fmt.Errorf("diff worktree: %w", err)
	}

	result, err := m.runAgent(ctx, run, "reviewer", reviewerCodeSystemPrompt, diff)
	if err != nil {
		return m.blockOnAgentError(run, orchestrator.PhaseAwaitingReview, "reviewer_review_code", err)
	}

	v := parseVerdict(result.Content)
	status := "invalid"
	if v.Approved {
		status = "valid"
	}
	if _, err := m.writeArtifact(run.ID, ArtifactReview, result.Content, "", status); err != nil {
		return Outcome{}, err
	}

	if v.Approved {
		return Outcome{NextStep: StepCreatePR}, nil
	}

	if run.ReviewRounds >= m.cfg.Steps.MaxReviewRounds {
		return m.blockRun(run, orchestrator.PhaseAwaitingReview, "exceeded max review rounds")
	}
	if err := m.bumpCounter(run.ID, "review_rounds"); err != nil {
		return Outcome{}, err
	}
	return Outcome{Transition: &Transition{
		ToPhase: orchestrator.PhaseExecuting,
		Reason:  "reviewer requested changes",
	}}, nil
}

// stepCreatePR enqueues an outbox write opening the pull request upstream,
// then waits for it to merge (spec.md §4.8, §4.6).
func stepCreatePR(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	plan, _, err := m.latestArtifact(run.ID, ArtifactPlan)
	if err != nil {
		return Outcome{}, err
	}

	if _, err := m.outbox.EnqueueWrite(outbox.EnqueueParams{
		RunID:        run.ID,
		Kind:         outbox.KindPullRequest,
		TargetNodeID: run.TaskID,
		TargetType:   "task",
		Payload: map[string]any{
			"branch":     run.Branch,
			"baseBranch": run.BaseBranch,
			"plan":       plan,
		},
	}); err != nil {
		return Outcome{}, fmt.Errorf("enqueue pull request write: %w", err)
	}

	return Outcome{NextStep: StepWaitPRMerge}, nil
}

// stepWaitPRMerge is a no-op: the run sits in awaiting_review until the PR
// webhook (mirrored back through the outbox consumer, outside this
// package) reports a merge and an operator or automation calls
// TransitionPhase to completed.
func stepWaitPRMerge(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	return Outcome{}, nil
}

// stepCleanup destroys the run's worktree and releases its ports on entry
// into a terminal phase (spec.md §3's worktree lifecycle).
func stepCleanup(ctx context.Context, m *Manager, run runContext) (Outcome, error) {
	wt, ok, err := m.worktrees.ActiveByRun(run.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, nil
	}
	if err := m.worktrees.Destroy(wt.ID); err != nil {
		return Outcome{}, fmt.Errorf("destroy worktree: %w", err)
	}
	return Outcome{}, nil
}

// blockRun transitions run to blocked, recording resumePhase as where a
// future retry should resume (spec.md §4.9's retry contract).
func (m *Manager) blockRun(run runContext, resumePhase orchestrator.Phase, reason string) (Outcome, error) {
	if err := m.orch.SetBlockedContext(run.ID, resumePhase, reason); err != nil {
		return Outcome{}, err
	}
	return Outcome{Transition: &Transition{
		ToPhase:     orchestrator.PhaseBlocked,
		Reason:      reason,
		ResumePhase: resumePhase,
	}}, nil
}

// blockOnAgentError decides whether an agent invocation failure is worth
// retrying (the job queue's own backoff handles that for transport-level
// errors) or should block the run for an operator. A policy rejection or
// exhausted credential is never transient, so those block immediately;
// everything else is surfaced as an infrastructure error for the job queue
// to retry.
func (m *Manager) blockOnAgentError(run runContext, resumePhase orchestrator.Phase, step string, err error) (Outcome, error) {
	if agentruntime.IsAuthError(err) || errors.Is(err, agentruntime.ErrCredentialNotConfigured) {
		return m.blockRun(run, resumePhase, fmt.Sprintf("%s: credential error: %v", step, err))
	}
	return Outcome{}, fmt.Errorf("%s: %w", step, err)
}
