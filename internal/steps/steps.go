// Package steps implements the pipeline of step handlers that move a run
// through one phase's work (spec.md §4.6), grounded in the reference's
// llm/llm_task.go iterate-until-terminal loop shape and engine/engine.go's
// strategy-per-action dispatch, turned into one flat step registry rather
// than a class hierarchy per step.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/agentruntime"
	"github.com/marcus-qen/conductor/internal/config"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/mirror"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/provider"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/marcus-qen/conductor/internal/streambus"
	"github.com/marcus-qen/conductor/internal/worktree"
	"go.uber.org/zap"
)

// Step names, exactly spec.md §4.6's pipeline sequence.
const (
	StepSetupWorktree           = "setup_worktree"
	StepRoute                   = "route"
	StepPlannerCreatePlan       = "planner_create_plan"
	StepReviewerReviewPlan      = "reviewer_review_plan"
	StepWaitPlanApproval        = "wait_plan_approval"
	StepImplementerApplyChanges = "implementer_apply_changes"
	StepTesterRunTests          = "tester_run_tests"
	StepReviewerReviewCode      = "reviewer_review_code"
	StepCreatePR                = "create_pr"
	StepWaitPRMerge             = "wait_pr_merge"
	StepCleanup                 = "cleanup"
)

// Outcome is what a handler decides should happen after it runs. Exactly
// one of NextStep or Transition is normally set; neither is set for a step
// that is waiting on something external (wait_plan_approval, wait_pr_merge).
type Outcome struct {
	// NextStep chains to another step within the same phase (not a legal
	// orchestrator.TransitionPhase edge, so handlers enqueue it directly).
	NextStep string

	// Transition moves the run to a new phase; the orchestrator's own
	// post-commit hook enqueues that phase's entry step.
	Transition *Transition
}

// Transition describes a cross-phase move a step handler requests.
type Transition struct {
	ToPhase   orchestrator.Phase
	Reason    string
	Payload   map[string]any
	// ResumePhase is recorded via orchestrator.SetBlockedContext when
	// ToPhase is PhaseBlocked, naming where a future retry resumes.
	ResumePhase orchestrator.Phase
}

// Handler executes one step for run and reports what should happen next.
// A non-nil error is an infrastructure failure (DB, git, provider transport)
// that the job queue should retry with backoff; a business-logic failure
// (tests failed, plan rejected) is expressed as a Transition to blocked or
// a NextStep retry loop instead of an error.
type Handler func(ctx context.Context, m *Manager, run runContext) (Outcome, error)

// Manager wires every component a step handler needs and is the
// orchestrator.StepEnqueuer implementation that schedules the first step of
// a newly entered phase.
type Manager struct {
	db       *storage.DB
	events   *eventlog.Log
	orch     *orchestrator.Orchestrator
	jobs     *jobqueue.Queue
	worktrees *worktree.Manager
	outbox   *outbox.Outbox
	mirror   *mirror.Mirror
	policies *policy.Store
	agents   *agentruntime.Runtime
	creds    agentruntime.CredentialResolver
	cfg      config.Config
	logger   *zap.Logger

	registry map[string]Handler
}

// New constructs a Manager. orch is wired with this Manager as its
// StepEnqueuer by the caller (cmd/conductord's composition root), since
// orchestrator.New takes the enqueuer as a constructor argument and steps
// depends on orchestrator, not the other way around.
func New(
	db *storage.DB,
	events *eventlog.Log,
	orch *orchestrator.Orchestrator,
	jobs *jobqueue.Queue,
	worktrees *worktree.Manager,
	ob *outbox.Outbox,
	mr *mirror.Mirror,
	policies *policy.Store,
	agents *agentruntime.Runtime,
	creds agentruntime.CredentialResolver,
	cfg config.Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db: db, events: events, orch: orch, jobs: jobs, worktrees: worktrees,
		outbox: ob, mirror: mr, policies: policies, agents: agents, creds: creds,
		cfg: cfg, logger: logger,
	}
	m.registry = map[string]Handler{
		StepSetupWorktree:           stepSetupWorktree,
		StepRoute:                   stepRoute,
		StepPlannerCreatePlan:       stepPlannerCreatePlan,
		StepReviewerReviewPlan:      stepReviewerReviewPlan,
		StepWaitPlanApproval:        stepWaitPlanApproval,
		StepImplementerApplyChanges: stepImplementerApplyChanges,
		StepTesterRunTests:          stepTesterRunTests,
		StepReviewerReviewCode:      stepReviewerReviewCode,
		StepCreatePR:                stepCreatePR,
		StepWaitPRMerge:             stepWaitPRMerge,
		StepCleanup:                 stepCleanup,
	}
	return m
}

// entryStep names the first step run on entering a phase (spec.md §4.6).
// Phases with no entry here make progress only via an operator action
// (pending, blocked) and enqueue nothing.
var entryStep = map[orchestrator.Phase]string{
	orchestrator.PhasePlanning:            StepSetupWorktree,
	orchestrator.PhaseAwaitingPlanApproval: StepWaitPlanApproval,
	orchestrator.PhaseExecuting:           StepImplementerApplyChanges,
	orchestrator.PhaseAwaitingReview:      StepReviewerReviewCode,
	orchestrator.PhaseCompleted:           StepCleanup,
	orchestrator.PhaseCancelled:           StepCleanup,
}

// EnqueueNextStep implements orchestrator.StepEnqueuer: it looks up the
// phase's entry step and enqueues a runs-queue job for it. Phases with no
// entry step are a no-op, not an error (spec.md §4.5 step 4 treats the
// enqueuer call as best-effort).
func (m *Manager) EnqueueNextStep(run orchestrator.Run, newPhase orchestrator.Phase) error {
	step, ok := entryStep[newPhase]
	if !ok {
		return nil
	}
	return m.enqueueStep(run.ID, run.ProjectID, step)
}

// enqueueStep creates a runs-queue job for one step invocation and bumps
// runs.step for observability. Each call gets a fresh idempotency key (a
// step commonly runs more than once across a run's life — e.g. a
// retry-bounded implementer loop — so jobs must not be deduped across
// calls, only within one).
func (m *Manager) enqueueStep(runID, projectID, step string) error {
	idempotencyKey := fmt.Sprintf("step:%s:%s:%d", runID, step, storage.Now().UnixNano())
	if _, err := m.jobs.CreateJob(jobqueue.CreateJobParams{
		Queue:          jobqueue.QueueRuns,
		JobType:        step,
		Payload:        map[string]any{"runId": runID, "step": step},
		IdempotencyKey: idempotencyKey,
		RunID:          runID,
		ProjectID:      projectID,
	}); err != nil {
		return fmt.Errorf("enqueue step %s for run %s: %w", step, runID, err)
	}
	_, err := m.db.Exec(`UPDATE runs SET step = ?, updated_at = ? WHERE id = ?`, step, storage.Now().Format(time.RFC3339Nano), runID)
	return err
}

// streamPublisherAdapter satisfies orchestrator.StreamPublisher (and
// operator.StreamPublisher) over *streambus.Bus, whose Publish has no error
// return — the composition point where that mismatch is resolved.
type streamPublisherAdapter struct {
	bus *streambus.Bus
}

// NewStreamPublisher wraps bus for callers that need an error-returning
// Publish.
func NewStreamPublisher(bus *streambus.Bus) streamPublisherAdapter {
	return streamPublisherAdapter{bus: bus}
}

func (a streamPublisherAdapter) Publish(kind, projectID, runID string, payload any) error {
	a.bus.Publish(kind, projectID, runID, payload)
	return nil
}

// providerConfigFor builds a provider.ProviderConfig for the configured
// agent provider, credential material filled in by agentruntime.ResolveProvider.
func (m *Manager) providerConfigFor() provider.ProviderConfig {
	return provider.ProviderConfig{
		Type: m.cfg.Agent.Provider,
	}
}
