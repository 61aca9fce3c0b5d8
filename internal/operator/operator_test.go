package operator

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC().Format(time.RFC3339Nano)
	db.Exec(`INSERT INTO users (id, email, created_at) VALUES ('u1','a@b.com', ?)`, now)
	db.Exec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1', ?, ?)`, now, now)
	db.Exec(`INSERT INTO repos (id, project_id, upstream_node_id, created_at) VALUES ('r1','p1','node1', ?)`, now)
	db.Exec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, active_run_id, created_at, updated_at, last_activity_at)
		VALUES ('t1','p1','r1','issue1','run1', ?, ?, ?)`, now, now, now)
	db.Exec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at)
		VALUES ('run1','t1','p1','r1', 1, 'main', ?, ?)`, now, now)

	return New(db, nil), db
}

func TestRecordActionRejectsWrongPhase(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordAction(Params{RunID: "run1", Action: ActionApprovePlan, ActorID: "op1", ActorType: "human"})
	if !errors.Is(err, ErrPhaseNotValid) {
		t.Fatalf("expected ErrPhaseNotValid, got %v", err)
	}
	if err.Error() == "" || !contains(err.Error(), "awaiting_plan_approval") {
		t.Fatalf("expected error to mention awaiting_plan_approval, got %q", err)
	}
}

func TestRecordActionCancelSucceedsFromPending(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.RecordAction(Params{RunID: "run1", Action: ActionCancel, ActorID: "op1", ActorType: "human"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Action != ActionCancel {
		t.Fatalf("action = %s", rec.Action)
	}
}

func TestRecordActionUnknownAction(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.RecordAction(Params{RunID: "run1", Action: Action("nonsense"), ActorID: "op1"})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestApplyRevisePlanBumpsCounterAndReturnsToPlanning(t *testing.T) {
	s, db := newTestStore(t)

	eventsLog, orch := buildOrchestrator(t, db)
	if _, err := orch.TransitionPhase("run1", orchestrator.PhasePlanning, "system", "", nil); err != nil {
		t.Fatalf("transition to planning: %v", err)
	}
	if _, err := orch.TransitionPhase("run1", orchestrator.PhaseAwaitingPlanApproval, "system", "", nil); err != nil {
		t.Fatalf("transition to awaiting_plan_approval: %v", err)
	}
	_ = eventsLog

	run, err := s.ApplyRevisePlan("run1", "op1", "human", "needs more detail", orch)
	if err != nil {
		t.Fatalf("apply revise plan: %v", err)
	}
	if run.Phase != orchestrator.PhasePlanning {
		t.Fatalf("phase = %s, want planning", run.Phase)
	}

	var revisions int
	if err := db.QueryRow(`SELECT plan_revisions FROM runs WHERE id = 'run1'`).Scan(&revisions); err != nil {
		t.Fatalf("query: %v", err)
	}
	if revisions != 1 {
		t.Fatalf("plan_revisions = %d, want 1", revisions)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
