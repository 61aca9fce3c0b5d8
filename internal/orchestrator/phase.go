// Package orchestrator owns the authoritative run.phase state machine
// (spec.md §4.5), grounded in the reference's controlplane/jobs/store.go
// transitionRun: a row-locked conditional UPDATE validated against a legal
// from/to whitelist, generalized from job-run status to run phase.
package orchestrator

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/storage"
)

// Phase is one of run.phase's legal values.
type Phase string

const (
	PhasePending                Phase = "pending"
	PhasePlanning                Phase = "planning"
	PhaseAwaitingPlanApproval    Phase = "awaiting_plan_approval"
	PhaseExecuting               Phase = "executing"
	PhaseAwaitingReview          Phase = "awaiting_review"
	PhaseBlocked                 Phase = "blocked"
	PhaseCompleted               Phase = "completed"
	PhaseCancelled                Phase = "cancelled"
)

func (p Phase) terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// legalTransitions encodes the table in spec.md §4.5. "blocked" accepts any
// non-terminal phase as a destination (retry / grant_policy_exception),
// modeled here as a wildcard checked specially in isLegal.
var legalTransitions = map[Phase][]Phase{
	PhasePending:             {PhasePlanning, PhaseCancelled, PhaseBlocked},
	PhasePlanning:            {PhaseAwaitingPlanApproval, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingPlanApproval: {PhaseExecuting, PhasePlanning, PhaseCancelled, PhaseBlocked},
	PhaseExecuting:           {PhaseAwaitingReview, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingReview:      {PhaseExecuting, PhaseCompleted, PhaseBlocked, PhaseCancelled},
	// PhaseBlocked handled specially below.
}

func isLegal(from, to Phase) bool {
	if from.terminal() {
		return false
	}
	if from == PhaseBlocked {
		// "any non-terminal (via retry / grant_policy_exception) or cancelled" —
		// i.e. anything except completed, which must be reached through
		// awaiting_review's normal exit.
		return to != PhaseCompleted
	}
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when (from, to) is not a legal edge.
var ErrInvalidTransition = errors.New("orchestrator: invalid_transition")

// ErrNotFound is returned when the run id does not exist.
var ErrNotFound = errors.New("orchestrator: run not found")

// Run is the minimal run projection the orchestrator reads/writes.
type Run struct {
	ID        string
	ProjectID string
	TaskID    string
	Phase     Phase
}

// StepEnqueuer schedules the job for the next pipeline step after a
// successful phase transition. Implemented by the steps package to avoid an
// import cycle (orchestrator -> steps would be backwards).
type StepEnqueuer interface {
	EnqueueNextStep(run Run, newPhase Phase) error
}

// StreamPublisher emits the run.phase_changed notification. Implemented by
// internal/streambus.
type StreamPublisher interface {
	Publish(kind, projectID, runID string, payload any) error
}

// Mirror posts a structured comment about the transition to the linked
// ticket. Never returns an error the caller must treat as fatal — spec.md
// §4.5 step 4 says "invoke mirroring (non-fatal on failure)".
type Mirror interface {
	MirrorPhaseChange(run Run, from, to Phase, reason string) error
}

// Orchestrator drives run.phase transitions.
type Orchestrator struct {
	db        *storage.DB
	events    *eventlog.Log
	enqueuer  StepEnqueuer
	publisher StreamPublisher
	mirror    Mirror
}

// New constructs an Orchestrator. enqueuer, publisher, and mirror may be nil
// in tests that only exercise the phase table itself.
func New(db *storage.DB, events *eventlog.Log, enqueuer StepEnqueuer, publisher StreamPublisher, mirror Mirror) *Orchestrator {
	return &Orchestrator{db: db, events: events, enqueuer: enqueuer, publisher: publisher, mirror: mirror}
}

// SetEnqueuer wires the StepEnqueuer after construction. internal/steps'
// Manager depends on *Orchestrator (it calls TransitionPhase directly from
// the worker pool), so the composition root builds the Orchestrator first
// with a nil enqueuer, constructs the Manager, then calls this to complete
// the cycle.
func (o *Orchestrator) SetEnqueuer(enqueuer StepEnqueuer) {
	o.enqueuer = enqueuer
}

// TransitionPhase validates and applies a phase transition, per spec.md
// §4.5's four-step contract.
func (o *Orchestrator) TransitionPhase(runID string, toPhase Phase, triggeredBy, reason string, payload map[string]any) (Run, error) {
	tx, err := o.db.Begin()
	if err != nil {
		return Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var run Run
	var phaseStr string
	err = tx.QueryRow(`SELECT id, project_id, task_id, phase FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.ProjectID, &run.TaskID, &phaseStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	run.Phase = Phase(phaseStr)

	if !isLegal(run.Phase, toPhase) {
		return Run{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Phase, toPhase)
	}

	evtPayload := map[string]any{"from": string(run.Phase), "to": string(toPhase), "triggeredBy": triggeredBy}
	if reason != "" {
		evtPayload["reason"] = reason
	}
	for k, v := range payload {
		evtPayload[k] = v
	}

	idempotencyKey := fmt.Sprintf("phase:%s:%s:%s", runID, run.Phase, toPhase)
	if _, err := eventlog.CreateEventTx(tx, run.ProjectID, "phase.transitioned", eventlog.ClassDecision, evtPayload, idempotencyKey, eventlog.SourceOrchestrator, runID); err != nil {
		return Run{}, fmt.Errorf("append phase event: %w", err)
	}

	now := storage.Now()
	if toPhase.terminal() {
		if _, err := tx.Exec(`UPDATE runs SET phase = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(toPhase), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), runID); err != nil {
			return Run{}, fmt.Errorf("update run phase: %w", err)
		}
		if _, err := tx.Exec(`UPDATE tasks SET active_run_id = NULL WHERE id = ? AND active_run_id = ?`, run.TaskID, runID); err != nil {
			return Run{}, fmt.Errorf("clear active run: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE runs SET phase = ?, updated_at = ? WHERE id = ?`,
			string(toPhase), now.Format(time.RFC3339Nano), runID); err != nil {
			return Run{}, fmt.Errorf("update run phase: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit transition: %w", err)
	}

	run.Phase = toPhase

	if o.enqueuer != nil {
		_ = o.enqueuer.EnqueueNextStep(run, toPhase)
	}
	if o.publisher != nil {
		_ = o.publisher.Publish("run.phase_changed", run.ProjectID, run.ID, evtPayload)
	}
	if o.mirror != nil {
		_ = o.mirror.MirrorPhaseChange(run, Phase(phaseStr), toPhase, reason)
	}

	return run, nil
}

// blockedContext is the JSON shape stored in runs.blocked_context: the
// phase a retry (or granted policy exception) should resume into. Set
// whenever a run enters PhaseBlocked so the operator-driven retry path
// doesn't need to re-derive where the pipeline left off.
type blockedContext struct {
	ResumePhase string `json:"resumePhase"`
}

// SetBlockedContext records blockedReason and the phase a future retry
// should resume into. Callers invoke this immediately before transitioning a
// run to PhaseBlocked.
func (o *Orchestrator) SetBlockedContext(runID string, resumePhase Phase, reason string) error {
	ctx, err := json.Marshal(blockedContext{ResumePhase: string(resumePhase)})
	if err != nil {
		return fmt.Errorf("marshal blocked context: %w", err)
	}
	_, err = o.db.Exec(`UPDATE runs SET blocked_reason = ?, blocked_context = ? WHERE id = ?`, reason, string(ctx), runID)
	return err
}

// ResumePhase reads back the phase a blocked run's blocked_context names for
// resumption, defaulting to PhasePlanning if none was recorded.
func (o *Orchestrator) ResumePhase(runID string) (Phase, error) {
	var raw string
	if err := o.db.QueryRow(`SELECT blocked_context FROM runs WHERE id = ?`, runID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load blocked context: %w", err)
	}
	var bc blockedContext
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &bc)
	}
	if bc.ResumePhase == "" {
		return PhasePlanning, nil
	}
	return Phase(bc.ResumePhase), nil
}
