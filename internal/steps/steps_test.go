package steps

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/agentruntime"
	"github.com/marcus-qen/conductor/internal/config"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/mirror"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/marcus-qen/conductor/internal/worktree"
	"go.uber.org/zap"
)

// newTestManager seeds a fresh DB with one user/project/repo/task/run chain
// (the same minimal fixture orchestrator's phase_test.go uses) and wires a
// full Manager around it.
func newTestManager(t *testing.T) (*Manager, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC().Format(time.RFC3339Nano)
	seed := func(query string, args ...any) {
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed(`INSERT INTO users (id, email, created_at) VALUES ('u1','a@b.com', ?)`, now)
	seed(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1', ?, ?)`, now, now)
	seed(`INSERT INTO repos (id, project_id, upstream_node_id, default_branch, clone_path, remote_url, test_command, created_at)
		VALUES ('r1','p1','node1','main','','https://example.invalid/repo.git','go test ./...', ?)`, now)
	seed(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, active_run_id, created_at, updated_at, last_activity_at)
		VALUES ('t1','p1','r1','issue1','run1', ?, ?, ?)`, now, now, now)
	seed(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, phase, base_branch, created_at, updated_at)
		VALUES ('run1','t1','p1','r1', 1, 'planning', 'main', ?, ?)`, now, now)

	events := eventlog.New(db, zap.NewNop())
	jobs := jobqueue.New(db)
	wtMgr := worktree.New(db, t.TempDir())
	ob := outbox.New(db)
	mr := mirror.New(db, ob, time.Second, 1000)
	policies := policy.NewStore(db)
	agents := agentruntime.New(db, events)
	creds := agentruntime.StaticResolver{APIKeys: map[string]string{"anthropic": "test-key"}}
	cfg := config.Default()

	orch := orchestrator.New(db, events, nil, nil, nil)
	m := New(db, events, orch, jobs, wtMgr, ob, mr, policies, agents, creds, cfg, zap.NewNop())
	orch.SetEnqueuer(m)
	return m, db
}

func TestEnqueueNextStepUsesEntryTable(t *testing.T) {
	m, db := newTestManager(t)

	run := orchestrator.Run{ID: "run1", ProjectID: "p1", TaskID: "t1", Phase: orchestrator.PhasePlanning}
	if err := m.EnqueueNextStep(run, orchestrator.PhasePlanning); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var jobType, step string
	if err := db.QueryRow(`SELECT job_type FROM jobs WHERE run_id = 'run1'`).Scan(&jobType); err != nil {
		t.Fatalf("query job: %v", err)
	}
	if jobType != StepSetupWorktree {
		t.Fatalf("job_type = %q, want %q", jobType, StepSetupWorktree)
	}
	if err := db.QueryRow(`SELECT step FROM runs WHERE id = 'run1'`).Scan(&step); err != nil {
		t.Fatalf("query run: %v", err)
	}
	if step != StepSetupWorktree {
		t.Fatalf("runs.step = %q, want %q", step, StepSetupWorktree)
	}
}

func TestEnqueueNextStepNoEntryIsNoop(t *testing.T) {
	m, db := newTestManager(t)

	run := orchestrator.Run{ID: "run1", ProjectID: "p1", TaskID: "t1", Phase: orchestrator.PhaseBlocked}
	if err := m.EnqueueNextStep(run, orchestrator.PhaseBlocked); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE run_id = 'run1'`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no job enqueued for blocked phase, got %d", count)
	}
}

func TestStepRouteSeedsPolicyAndChainsToPlanner(t *testing.T) {
	m, db := newTestManager(t)
	run, err := m.loadRunContext("run1")
	if err != nil {
		t.Fatalf("load run context: %v", err)
	}

	outcome, err := stepRoute(nil, m, run)
	if err != nil {
		t.Fatalf("stepRoute: %v", err)
	}
	if outcome.NextStep != StepPlannerCreatePlan {
		t.Fatalf("NextStep = %q, want %q", outcome.NextStep, StepPlannerCreatePlan)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM policy_rules WHERE policy_set_id = ?`, policy.DefaultPolicySetID).Scan(&count); err != nil {
		t.Fatalf("query policy rules: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected policy defaults to be seeded")
	}
}

func TestLoadRunContextNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.loadRunContext("missing"); err != orchestrator.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWriteAndLoadLatestArtifactVersions(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.writeArtifact("run1", ArtifactPlan, "plan v1", "", "pending"); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if _, err := m.writeArtifact("run1", ArtifactPlan, "plan v2", "", "pending"); err != nil {
		t.Fatalf("write v2: %v", err)
	}

	content, ok, err := m.latestArtifact("run1", ArtifactPlan)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !ok || content != "plan v2" {
		t.Fatalf("content = %q, ok = %v, want %q, true", content, ok, "plan v2")
	}

	if _, ok, err := m.latestArtifact("run1", ArtifactReview); err != nil {
		t.Fatalf("latest review: %v", err)
	} else if ok {
		t.Fatalf("expected no review artifact yet")
	}
}

func TestBlockRunRecordsResumePhase(t *testing.T) {
	m, _ := newTestManager(t)
	run, err := m.loadRunContext("run1")
	if err != nil {
		t.Fatalf("load run context: %v", err)
	}

	outcome, err := m.blockRun(run, orchestrator.PhaseExecuting, "exceeded max test fix attempts")
	if err != nil {
		t.Fatalf("blockRun: %v", err)
	}
	if outcome.Transition == nil || outcome.Transition.ToPhase != orchestrator.PhaseBlocked {
		t.Fatalf("expected a transition to blocked, got %+v", outcome)
	}

	resume, err := m.orch.ResumePhase("run1")
	if err != nil {
		t.Fatalf("resume phase: %v", err)
	}
	if resume != orchestrator.PhaseExecuting {
		t.Fatalf("resume phase = %s, want executing", resume)
	}
}
