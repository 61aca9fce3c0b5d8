package upstream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

func TestParseRemoteHTTPS(t *testing.T) {
	owner, repo, err := ParseRemote("https://github.com/marcus-qen/conductor.git")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if owner != "marcus-qen" || repo != "conductor" {
		t.Fatalf("owner/repo = %s/%s, want marcus-qen/conductor", owner, repo)
	}
}

func TestParseRemoteSSH(t *testing.T) {
	owner, repo, err := ParseRemote("git@github.com:marcus-qen/conductor.git")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if owner != "marcus-qen" || repo != "conductor" {
		t.Fatalf("owner/repo = %s/%s, want marcus-qen/conductor", owner, repo)
	}
}

func TestParseRemoteRejectsNonGitHub(t *testing.T) {
	if _, _, err := ParseRemote("https://gitlab.com/a/b.git"); err == nil {
		t.Fatalf("expected an error for a non-GitHub remote")
	}
}

func TestPRTitleUsesFirstNonEmptyLine(t *testing.T) {
	if got := prTitle("\n\n  Add retry budget to the tester step\nmore detail below"); got != "Add retry budget to the tester step" {
		t.Fatalf("prTitle = %q", got)
	}
}

func TestPRTitleFallsBackOnEmptyPlan(t *testing.T) {
	if got := prTitle("   \n  "); got != "Automated change" {
		t.Fatalf("prTitle = %q, want fallback", got)
	}
}

type fakeClient struct {
	commentCalls int
	prCalls      int
	failNext     error
}

func (f *fakeClient) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (string, string, error) {
	f.commentCalls++
	if f.failNext != nil {
		return "", "", f.failNext
	}
	return "1", "https://github.com/" + owner + "/" + repo + "/issues/1#issuecomment-1", nil
}

func (f *fakeClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (string, string, error) {
	f.prCalls++
	if f.failNext != nil {
		return "", "", f.failNext
	}
	return "7", "https://github.com/" + owner + "/" + repo + "/pull/7", nil
}

type fakeRecorder struct {
	calls    int
	prNumber int
	prState  string
}

func (f *fakeRecorder) RecordPRInfo(runID, prURL string, prNumber int, prState string) error {
	f.calls++
	f.prNumber = prNumber
	f.prState = prState
	return nil
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeliverCommentResolvesRepoFromRemoteURL(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO users (id, email, created_at) VALUES ('u1','u@x.com',?)`, now)
	mustExec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1',?,?)`, now, now)
	mustExec(`INSERT INTO repos (id, project_id, upstream_node_id, remote_url, created_at) VALUES ('r1','p1','rn1','https://github.com/marcus-qen/conductor.git',?)`, now)
	mustExec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES ('t1','p1','r1','42',?,?,?)`, now, now, now)
	mustExec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at) VALUES ('run1','t1','p1','r1',1,'main',?,?)`, now, now)

	ob := outbox.New(db)
	enq, err := ob.EnqueueWrite(outbox.EnqueueParams{
		RunID: "run1", Kind: outbox.KindComment, TargetNodeID: "42", TargetType: "issue",
		Payload: map[string]any{"body": "run blocked: exceeded max test fix attempts"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := &fakeClient{}
	d := NewDeliverer(db, client)
	id, url, err := d.Deliver(context.Background(), enq.Entry)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if client.commentCalls != 1 {
		t.Fatalf("commentCalls = %d, want 1", client.commentCalls)
	}
	if id != "1" || url == "" {
		t.Fatalf("id=%q url=%q", id, url)
	}
}

func TestDeliverUnsupportedKindErrors(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO users (id, email, created_at) VALUES ('u1','u@x.com',?)`, now)
	mustExec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1',?,?)`, now, now)
	mustExec(`INSERT INTO repos (id, project_id, upstream_node_id, remote_url, created_at) VALUES ('r1','p1','rn1','https://github.com/marcus-qen/conductor.git',?)`, now)
	mustExec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES ('t1','p1','r1','42',?,?,?)`, now, now, now)
	mustExec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at) VALUES ('run1','t1','p1','r1',1,'main',?,?)`, now, now)

	ob := outbox.New(db)
	enq, err := ob.EnqueueWrite(outbox.EnqueueParams{
		RunID: "run1", Kind: outbox.KindCheckRun, TargetNodeID: "42", Payload: map[string]any{},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := NewDeliverer(db, &fakeClient{})
	if _, _, err := d.Deliver(context.Background(), enq.Entry); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func TestConsumerClaimAndDeliverCompletesEntry(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO users (id, email, created_at) VALUES ('u1','u@x.com',?)`, now)
	mustExec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1',?,?)`, now, now)
	mustExec(`INSERT INTO repos (id, project_id, upstream_node_id, remote_url, created_at) VALUES ('r1','p1','rn1','https://github.com/marcus-qen/conductor.git',?)`, now)
	mustExec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES ('t1','p1','r1','42',?,?,?)`, now, now, now)
	mustExec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at) VALUES ('run1','t1','p1','r1',1,'main',?,?)`, now, now)

	ob := outbox.New(db)
	if _, err := ob.EnqueueWrite(outbox.EnqueueParams{
		RunID: "run1", Kind: outbox.KindPullRequest, TargetNodeID: "t1", TargetType: "task",
		Payload: map[string]any{"branch": "conductor/run-run1", "baseBranch": "main", "plan": "Add the missing handler"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := &fakeClient{}
	recorder := &fakeRecorder{}
	consumer := NewConsumer(ob, NewDeliverer(db, client), recorder, zap.NewNop())
	if !consumer.claimAndDeliver(context.Background()) {
		t.Fatalf("expected an entry to be claimed")
	}
	if client.prCalls != 1 {
		t.Fatalf("prCalls = %d, want 1", client.prCalls)
	}
	if recorder.calls != 1 {
		t.Fatalf("RecordPRInfo calls = %d, want 1", recorder.calls)
	}
	if recorder.prNumber != 7 || recorder.prState != "open" {
		t.Fatalf("recorded prNumber=%d prState=%q, want 7/open", recorder.prNumber, recorder.prState)
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM github_writes LIMIT 1`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != outbox.StatusCompleted {
		t.Fatalf("status = %q, want completed", status)
	}
}

func TestConsumerClaimAndDeliverFailsEntryOnError(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO users (id, email, created_at) VALUES ('u1','u@x.com',?)`, now)
	mustExec(`INSERT INTO projects (id, user_id, created_at, updated_at) VALUES ('p1','u1',?,?)`, now, now)
	mustExec(`INSERT INTO repos (id, project_id, upstream_node_id, remote_url, created_at) VALUES ('r1','p1','rn1','https://github.com/marcus-qen/conductor.git',?)`, now)
	mustExec(`INSERT INTO tasks (id, project_id, repo_id, upstream_node_id, created_at, updated_at, last_activity_at) VALUES ('t1','p1','r1','42',?,?,?)`, now, now, now)
	mustExec(`INSERT INTO runs (id, task_id, project_id, repo_id, run_number, base_branch, created_at, updated_at) VALUES ('run1','t1','p1','r1',1,'main',?,?)`, now, now)

	ob := outbox.New(db)
	if _, err := ob.EnqueueWrite(outbox.EnqueueParams{
		RunID: "run1", Kind: outbox.KindComment, TargetNodeID: "42", Payload: map[string]any{"body": "hi"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := &fakeClient{failNext: context.DeadlineExceeded}
	consumer := NewConsumer(ob, NewDeliverer(db, client), nil, zap.NewNop())
	if !consumer.claimAndDeliver(context.Background()) {
		t.Fatalf("expected an entry to be claimed")
	}

	var status, lastErr string
	if err := db.QueryRow(`SELECT status, error FROM github_writes LIMIT 1`).Scan(&status, &lastErr); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != outbox.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	if lastErr == "" {
		t.Fatalf("expected error to be recorded")
	}
}
