package analytics

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/storage"
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

func seedProject(t *testing.T, db *storage.DB, userID, projectID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	db.Exec(`INSERT OR IGNORE INTO users (id, email, created_at) VALUES (?, ?, ?)`, userID, userID+"@x.com", now)
	if _, err := db.Exec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`, projectID, userID, now, now); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO repos (id, project_id, upstream_node_id, created_at) VALUES (?, ?, ?, ?)`, projectID+"-r", projectID, projectID+"-rn", now); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID+"-t", projectID, projectID+"-r", projectID+"-tn", now, now, now); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func seedRun(t *testing.T, db *storage.DB, projectID, runID, phase string, createdAt, completedAt *time.Time) {
	t.Helper()
	created := time.Now().UTC()
	if createdAt != nil {
		created = *createdAt
	}
	var completedStr any
	if completedAt != nil {
		completedStr = completedAt.Format(time.RFC3339Nano)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM runs WHERE project_id = ?`, projectID).Scan(&n)
	if _, err := db.Exec(
		`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, phase, base_branch, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'main', ?, ?, ?)`,
		runID, projectID+"-t", projectID, projectID+"-r", n+1, phase, created.Format(time.RFC3339Nano), created.Format(time.RFC3339Nano), completedStr,
	); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func seedPhaseEvent(t *testing.T, db *storage.DB, projectID, runID, from, to string, at time.Time, seq int) {
	t.Helper()
	payload := fmt.Sprintf(`{"from":%q,"to":%q}`, from, to)
	if _, err := db.Exec(
		`INSERT INTO events (id, project_id, run_id, type, class, payload, sequence, idempotency_key, source, created_at)
		 VALUES (?, ?, ?, ?, 'decision', ?, ?, ?, 'orchestrator', ?)`,
		fmt.Sprintf("evt_%s_%d", runID, seq), projectID, runID, PhaseTransitionEventType, payload, seq,
		fmt.Sprintf("idem_%s_%d", runID, seq), at.Format(time.RFC3339Nano),
	); err != nil {
		t.Fatalf("seed phase event: %v", err)
	}
}

func TestTotalsComputesSuccessRate(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")

	now := time.Now().UTC()
	seedRun(t, db, "p1", "run1", "completed", &now, &now)
	seedRun(t, db, "p1", "run2", "completed", &now, &now)
	seedRun(t, db, "p1", "run3", "cancelled", &now, &now)
	seedRun(t, db, "p1", "run4", "executing", &now, nil)

	a := New(db)
	totals, err := a.Totals("u1")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalRuns != 4 || totals.CompletedRuns != 2 || totals.CancelledRuns != 1 || totals.InFlightRuns != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if totals.SuccessRate != 2.0/3.0 {
		t.Fatalf("unexpected success rate: %v", totals.SuccessRate)
	}
}

func TestTotalsScopedToUser(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")
	seedProject(t, db, "u2", "p2")

	now := time.Now().UTC()
	seedRun(t, db, "p1", "run1", "completed", &now, &now)
	seedRun(t, db, "p2", "run2", "completed", &now, &now)

	a := New(db)
	totals, err := a.Totals("u1")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalRuns != 1 {
		t.Fatalf("expected only u1's run, got %d", totals.TotalRuns)
	}
}

func TestAverageCycleTime(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")

	start := time.Now().UTC().Add(-2 * time.Hour)
	end := start.Add(time.Hour)
	seedRun(t, db, "p1", "run1", "completed", &start, &end)

	a := New(db)
	avg, err := a.AverageCycleTime("u1")
	if err != nil {
		t.Fatalf("avg cycle time: %v", err)
	}
	if avg != time.Hour {
		t.Fatalf("expected 1h, got %v", avg)
	}
}

func TestAverageAwaitingPlanApprovalTime(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")
	now := time.Now().UTC()
	seedRun(t, db, "p1", "run1", "executing", &now, nil)

	entered := now.Add(-2 * time.Hour)
	exited := now.Add(-1 * time.Hour)
	seedPhaseEvent(t, db, "p1", "run1", "planning", "awaiting_plan_approval", entered, 1)
	seedPhaseEvent(t, db, "p1", "run1", "awaiting_plan_approval", "executing", exited, 2)

	a := New(db)
	avg, err := a.AverageAwaitingPlanApprovalTime("u1")
	if err != nil {
		t.Fatalf("avg awaiting approval: %v", err)
	}
	if avg != time.Hour {
		t.Fatalf("expected 1h, got %v", avg)
	}
}

func TestRunsByPhase(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")
	now := time.Now().UTC()
	seedRun(t, db, "p1", "run1", "executing", &now, nil)
	seedRun(t, db, "p1", "run2", "executing", &now, nil)
	seedRun(t, db, "p1", "run3", "completed", &now, &now)

	a := New(db)
	counts, err := a.RunsByPhase("u1")
	if err != nil {
		t.Fatalf("runs by phase: %v", err)
	}
	if len(counts) != 2 || counts[0].Phase != "executing" || counts[0].Count != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestTopProjectsLimitsToFive(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		pid := fmt.Sprintf("p%d", i)
		seedProject(t, db, "u1", pid)
		for j := 0; j <= i; j++ {
			seedRun(t, db, pid, fmt.Sprintf("%s-run%d", pid, j), "completed", &now, &now)
		}
	}

	a := New(db)
	top, err := a.TopProjects("u1")
	if err != nil {
		t.Fatalf("top projects: %v", err)
	}
	if len(top) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(top))
	}
	if top[0].ProjectID != "p6" || top[0].RunCount != 7 {
		t.Fatalf("expected p6 with 7 runs first, got %+v", top[0])
	}
}

func TestCompletionHistogramCoversSevenDays(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "u1", "p1")
	now := time.Now().UTC()

	today := now
	seedRun(t, db, "p1", "run-today", "completed", &today, &today)

	threeDaysAgo := now.AddDate(0, 0, -3)
	seedRun(t, db, "p1", "run-3d", "completed", &threeDaysAgo, &threeDaysAgo)

	tooOld := now.AddDate(0, 0, -10)
	seedRun(t, db, "p1", "run-old", "completed", &tooOld, &tooOld)

	a := New(db)
	hist, err := a.CompletionHistogram("u1", now)
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	if len(hist) != 7 {
		t.Fatalf("expected 7 days, got %d", len(hist))
	}
	total := 0
	for _, d := range hist {
		total += d.Count
	}
	if total != 2 {
		t.Fatalf("expected 2 completions within the 7-day window, got %d", total)
	}
}
