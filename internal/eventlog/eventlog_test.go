package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

func newTestLog(t *testing.T) (*Log, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop()), db
}

func seedRun(t *testing.T, db *storage.DB, runID string) {
	t.Helper()
	now := storage.Now().Format(time.RFC3339Nano)
	if _, err := db.Exec(`INSERT INTO users (id, email, created_at) VALUES ('u1','a@b.com', ?)`, now); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1', ?, ?)`, now, now); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO repos (id, project_id, upstream_node_id, created_at) VALUES ('r1','p1','node1', ?)`, now); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at)
		VALUES ('t1','p1','r1','issue1', ?, ?, ?)`, now, now, now); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at)
		VALUES (?, 't1','p1','r1', 1, 'main', ?, ?)`, runID, now, now); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestCreateEventAssignsMonotonicSequence(t *testing.T) {
	log, db := newTestLog(t)
	seedRun(t, db, "run1")

	first, err := log.CreateEvent("p1", "phase.transitioned", ClassDecision, map[string]any{"from": "pending", "to": "planning"}, "k1", SourceOrchestrator, "run1")
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", first.Sequence)
	}

	second, err := log.CreateEvent("p1", "phase.transitioned", ClassDecision, map[string]any{"from": "planning", "to": "awaiting_plan_approval"}, "k2", SourceOrchestrator, "run1")
	if err != nil {
		t.Fatalf("create event 2: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Sequence)
	}
}

func TestCreateEventIsIdempotentOnKey(t *testing.T) {
	log, db := newTestLog(t)
	seedRun(t, db, "run1")

	first, err := log.CreateEvent("p1", "tool.invoked", ClassFact, map[string]any{"tool": "echo"}, "same-key", SourceToolLayer, "run1")
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	second, err := log.CreateEvent("p1", "tool.invoked", ClassFact, map[string]any{"tool": "different-payload"}, "same-key", SourceToolLayer, "run1")
	if err != nil {
		t.Fatalf("create event 2: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same event row, got %s and %s", first.ID, second.ID)
	}

	all, err := log.ListByRun("run1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one event row, got %d", len(all))
	}
	if all[0].Sequence != 1 {
		t.Fatalf("sequence should be unchanged by the duplicate call, got %d", all[0].Sequence)
	}
}

func TestWebhookNormalizeUnknownEventIsNotHandled(t *testing.T) {
	n := Normalize(WebhookDelivery{DeliveryID: "d1", EventType: "star", Action: "created"})
	if n.Handled {
		t.Fatalf("expected unknown event type to be unhandled")
	}
}

func TestWebhookNormalizeIssueComment(t *testing.T) {
	n := Normalize(WebhookDelivery{
		DeliveryID: "d1",
		EventType:  "issue_comment",
		Action:     "created",
		Body:       map[string]any{"comment_node_id": "c1", "issue_node_id": "i1", "repo_node_id": "r1"},
	})
	if !n.Handled {
		t.Fatalf("expected handled")
	}
	if n.IdempotencyKey != "webhook:d1:comment:c1" {
		t.Fatalf("idempotency key = %q", n.IdempotencyKey)
	}
}
