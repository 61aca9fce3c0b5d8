package orchestrator

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(`INSERT INTO users (id, email, created_at) VALUES ('u1','a@b.com', ?)`, now); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1', ?, ?)`, now, now); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO repos (id, project_id, upstream_node_id, created_at) VALUES ('r1','p1','node1', ?)`, now); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, active_run_id, created_at, updated_at, last_activity_at)
		VALUES ('t1','p1','r1','issue1','run1', ?, ?, ?)`, now, now, now); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at)
		VALUES ('run1','t1','p1','r1', 1, 'main', ?, ?)`, now, now); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	log := eventlog.New(db, zap.NewNop())
	return New(db, log, nil, nil, nil), db
}

func TestTransitionPhaseHappyPath(t *testing.T) {
	o, db := newTestOrchestrator(t)

	run, err := o.TransitionPhase("run1", PhasePlanning, "system", "", nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if run.Phase != PhasePlanning {
		t.Fatalf("phase = %s, want planning", run.Phase)
	}

	var seq int64
	if err := db.QueryRow(`SELECT sequence FROM events WHERE run_id = ? AND type = 'phase.transitioned'`, "run1").Scan(&seq); err != nil {
		t.Fatalf("query event: %v", err)
	}
	if seq != 1 {
		t.Fatalf("sequence = %d, want 1", seq)
	}

	var nextSeq int64
	if err := db.QueryRow(`SELECT next_sequence FROM runs WHERE id = 'run1'`).Scan(&nextSeq); err != nil {
		t.Fatalf("query run: %v", err)
	}
	if nextSeq != 2 {
		t.Fatalf("next_sequence = %d, want 2", nextSeq)
	}
}

func TestTransitionPhaseRejectsIllegalEdge(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.TransitionPhase("run1", PhaseExecuting, "system", "", nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionPhaseToTerminalClearsActiveRun(t *testing.T) {
	o, db := newTestOrchestrator(t)

	for _, p := range []Phase{PhasePlanning, PhaseAwaitingPlanApproval, PhaseExecuting, PhaseAwaitingReview, PhaseCompleted} {
		if _, err := o.TransitionPhase("run1", p, "system", "", nil); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}

	var activeRun *string
	if err := db.QueryRow(`SELECT active_run_id FROM tasks WHERE id = 't1'`).Scan(&activeRun); err != nil {
		t.Fatalf("query task: %v", err)
	}
	if activeRun != nil {
		t.Fatalf("expected active_run_id cleared, got %v", *activeRun)
	}
}
