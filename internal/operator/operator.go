// Package operator records operator actions against runs (spec.md §4.9),
// grounded in the reference's controlplane/approval/queue.go request/decision
// shape. Unlike the reference's in-memory, TTL-reaped approval queue,
// operator actions here are immutable rows that must survive restart
// (spec.md §3's Operator action is an audit record, not a pending request).
package operator

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/storage"
)

// Action is one of the whitelisted operator command kinds.
type Action string

const (
	ActionStartRun             Action = "start_run"
	ActionApprovePlan          Action = "approve_plan"
	ActionRevisePlan           Action = "revise_plan"
	ActionRejectRun            Action = "reject_run"
	ActionRetry                Action = "retry"
	ActionPause                Action = "pause"
	ActionResume               Action = "resume"
	ActionCancel               Action = "cancel"
	ActionGrantPolicyException Action = "grant_policy_exception"
	ActionDenyPolicyException  Action = "deny_policy_exception"
)

var validActions = map[Action]bool{
	ActionStartRun: true, ActionApprovePlan: true, ActionRevisePlan: true,
	ActionRejectRun: true, ActionRetry: true, ActionPause: true, ActionResume: true,
	ActionCancel: true, ActionGrantPolicyException: true, ActionDenyPolicyException: true,
}

// ErrUnknownAction is returned for an action outside the whitelist.
var ErrUnknownAction = errors.New("operator: unknown action")

// ErrNotFound is returned when the run does not exist.
var ErrNotFound = errors.New("operator: run not found")

// ErrPhaseNotValid is returned when the action is not valid for the run's
// current phase.
var ErrPhaseNotValid = errors.New("operator: action not valid for current phase")

// Record is one immutable operator_actions row.
type Record struct {
	ID               string
	RunID            string
	Action           Action
	ActorID          string
	ActorType        string
	ActorDisplayName string
	Comment          string
	FromPhase        string
	ToPhase          string
	CreatedAt        string
}

// Params is the input to RecordAction.
type Params struct {
	RunID            string
	Action           Action
	ActorID          string
	ActorType        string
	ActorDisplayName string
	Comment          string
	FromPhase        string
	ToPhase          string
}

// StreamPublisher emits operator.action notifications.
type StreamPublisher interface {
	Publish(kind, projectID, runID string, payload any) error
}

// Store records and validates operator actions.
type Store struct {
	db        *storage.DB
	publisher StreamPublisher
}

// New constructs a Store.
func New(db *storage.DB, publisher StreamPublisher) *Store {
	return &Store{db: db, publisher: publisher}
}

// RecordAction validates action against the whitelist and the run's current
// phase, then inserts the immutable action row and emits a stream event.
// Callers are responsible for feeding the action into
// orchestrator.TransitionPhase as appropriate (spec.md §4.9's final
// paragraph): this function only records the command, it does not itself
// mutate run.phase.
func (s *Store) RecordAction(p Params) (Record, error) {
	if !validActions[p.Action] {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownAction, p.Action)
	}

	var projectID, phaseStr string
	var pausedAt sql.NullString
	err := s.db.QueryRow(`SELECT project_id, phase, paused_at FROM runs WHERE id = ?`, p.RunID).
		Scan(&projectID, &phaseStr, &pausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load run: %w", err)
	}

	if err := validatePhase(p.Action, orchestrator.Phase(phaseStr), pausedAt.Valid); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:               conductorids.New(conductorids.KindOperatorAction),
		RunID:            p.RunID,
		Action:           p.Action,
		ActorID:          p.ActorID,
		ActorType:        p.ActorType,
		ActorDisplayName: p.ActorDisplayName,
		Comment:          p.Comment,
		FromPhase:        p.FromPhase,
		ToPhase:          p.ToPhase,
		CreatedAt:        storage.Now().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}

	_, err = s.db.Exec(
		`INSERT INTO operator_actions (id, run_id, action, actor_id, actor_type, actor_display_name, comment, from_phase, to_phase, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, string(rec.Action), rec.ActorID, rec.ActorType, rec.ActorDisplayName,
		rec.Comment, rec.FromPhase, rec.ToPhase, rec.CreatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert operator action: %w", err)
	}

	if s.publisher != nil {
		_ = s.publisher.Publish("operator.action", projectID, p.RunID, map[string]any{
			"action":  string(rec.Action),
			"actorId": rec.ActorID,
		})
	}

	return rec, nil
}

// ApplyRevisePlan records a revise_plan action, bumps the run's plan
// revision counter, and drives the phase back to planning — the one action
// in spec.md §4.9 with a side effect beyond the action row itself.
func (s *Store) ApplyRevisePlan(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionRevisePlan, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseAwaitingPlanApproval), ToPhase: string(orchestrator.PhasePlanning),
	}); err != nil {
		return orchestrator.Run{}, err
	}

	if _, err := s.db.Exec(`UPDATE runs SET plan_revisions = plan_revisions + 1 WHERE id = ?`, runID); err != nil {
		return orchestrator.Run{}, fmt.Errorf("bump plan_revisions: %w", err)
	}

	return orch.TransitionPhase(runID, orchestrator.PhasePlanning, actorID, "plan revised by operator", nil)
}

// ApplyStartRun records a start_run action and drives the run from pending
// into planning.
func (s *Store) ApplyStartRun(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionStartRun, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhasePending), ToPhase: string(orchestrator.PhasePlanning),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, orchestrator.PhasePlanning, actorID, "started by operator", nil)
}

// ApplyApprovePlan records an approve_plan action and drives the run into
// executing.
func (s *Store) ApplyApprovePlan(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionApprovePlan, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseAwaitingPlanApproval), ToPhase: string(orchestrator.PhaseExecuting),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, orchestrator.PhaseExecuting, actorID, "plan approved by operator", nil)
}

// ApplyRetry records a retry action and drives the run from blocked back
// into the phase recorded in its blocked_context, restarting that phase's
// entry step (spec.md §4.9/§4.10's "retry resumes a blocked run").
func (s *Store) ApplyRetry(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	resume, err := orch.ResumePhase(runID)
	if err != nil {
		return orchestrator.Run{}, err
	}
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionRetry, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseBlocked), ToPhase: string(resume),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, resume, actorID, "retried by operator", nil)
}

// ApplyGrantPolicyException behaves like ApplyRetry: granting an exception
// unblocks the run into its recorded resume phase.
func (s *Store) ApplyGrantPolicyException(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	resume, err := orch.ResumePhase(runID)
	if err != nil {
		return orchestrator.Run{}, err
	}
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionGrantPolicyException, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseBlocked), ToPhase: string(resume),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, resume, actorID, "policy exception granted by operator", nil)
}

// ApplyDenyPolicyException only records the action: the run stays blocked.
func (s *Store) ApplyDenyPolicyException(runID, actorID, actorType, comment string) (Record, error) {
	return s.RecordAction(Params{
		RunID: runID, Action: ActionDenyPolicyException, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseBlocked), ToPhase: string(orchestrator.PhaseBlocked),
	})
}

// ApplyRejectRun records a reject_run action and cancels the run.
func (s *Store) ApplyRejectRun(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionRejectRun, ActorID: actorID, ActorType: actorType,
		Comment: comment, FromPhase: string(orchestrator.PhaseAwaitingPlanApproval), ToPhase: string(orchestrator.PhaseCancelled),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, orchestrator.PhaseCancelled, actorID, "rejected by operator", nil)
}

// ApplyCancel records a cancel action and cancels the run from whatever
// non-terminal phase it is currently in.
func (s *Store) ApplyCancel(runID, actorID, actorType, comment string, orch *orchestrator.Orchestrator) (orchestrator.Run, error) {
	if _, err := s.RecordAction(Params{
		RunID: runID, Action: ActionCancel, ActorID: actorID, ActorType: actorType,
		Comment: comment, ToPhase: string(orchestrator.PhaseCancelled),
	}); err != nil {
		return orchestrator.Run{}, err
	}
	return orch.TransitionPhase(runID, orchestrator.PhaseCancelled, actorID, comment, nil)
}

// ApplyPause records a pause action and sets runs.paused_at, which overrides
// the run's derived status to "paused" independent of phase (spec.md §3).
func (s *Store) ApplyPause(runID, actorID, actorType, comment string) (Record, error) {
	rec, err := s.RecordAction(Params{RunID: runID, Action: ActionPause, ActorID: actorID, ActorType: actorType, Comment: comment})
	if err != nil {
		return Record{}, err
	}
	if _, err := s.db.Exec(`UPDATE runs SET paused_at = ? WHERE id = ? AND paused_at IS NULL`,
		storage.Now().Format("2006-01-02T15:04:05.999999999Z07:00"), runID); err != nil {
		return Record{}, fmt.Errorf("set paused_at: %w", err)
	}
	return rec, nil
}

// ApplyResume records a resume action and clears runs.paused_at.
func (s *Store) ApplyResume(runID, actorID, actorType, comment string) (Record, error) {
	rec, err := s.RecordAction(Params{RunID: runID, Action: ActionResume, ActorID: actorID, ActorType: actorType, Comment: comment})
	if err != nil {
		return Record{}, err
	}
	if _, err := s.db.Exec(`UPDATE runs SET paused_at = NULL WHERE id = ?`, runID); err != nil {
		return Record{}, fmt.Errorf("clear paused_at: %w", err)
	}
	return rec, nil
}

// validatePhase implements the table in spec.md §4.9.
func validatePhase(action Action, phase orchestrator.Phase, paused bool) error {
	switch action {
	case ActionStartRun:
		return require(phase == orchestrator.PhasePending, phase, orchestrator.PhasePending)
	case ActionApprovePlan, ActionRevisePlan, ActionRejectRun:
		return require(phase == orchestrator.PhaseAwaitingPlanApproval, phase, orchestrator.PhaseAwaitingPlanApproval)
	case ActionRetry, ActionGrantPolicyException, ActionDenyPolicyException:
		return require(phase == orchestrator.PhaseBlocked, phase, orchestrator.PhaseBlocked)
	case ActionPause:
		if paused {
			return ErrPhaseNotValid
		}
		switch phase {
		case orchestrator.PhasePending, orchestrator.PhasePlanning, orchestrator.PhaseAwaitingPlanApproval,
			orchestrator.PhaseExecuting, orchestrator.PhaseAwaitingReview:
			return nil
		default:
			return ErrPhaseNotValid
		}
	case ActionResume:
		return require(paused, phase, "")
	case ActionCancel:
		if phase == orchestrator.PhaseCompleted || phase == orchestrator.PhaseCancelled {
			return ErrPhaseNotValid
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func require(ok bool, phase, expected orchestrator.Phase) error {
	if !ok {
		if expected == "" {
			return fmt.Errorf("%w: current phase is %s", ErrPhaseNotValid, phase)
		}
		return fmt.Errorf("%w: current phase is %s, expected %s", ErrPhaseNotValid, phase, expected)
	}
	return nil
}
