package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/storage"
)

func newTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return jobqueue.New(db)
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandlerEnqueuesValidDelivery(t *testing.T) {
	jobs := newTestQueue(t)
	h := NewHandler(jobs, "s3cret")

	body := []byte(`{"action":"opened","repository":{"full_name":"acme/widgets"},"issue":{"number":42}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", sign([]byte("s3cret"), body))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	job, ok, err := jobs.ClaimJob(jobqueue.QueueWebhooks, "test-worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected a job to be enqueued")
	}
	var payload deliveryJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.DeliveryID != "d1" || payload.EventType != "issues" || payload.Action != "opened" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Body["repo_node_id"] != "acme/widgets" {
		t.Fatalf("repo_node_id = %v, want acme/widgets", payload.Body["repo_node_id"])
	}
	if payload.Body["issue_node_id"] != "42" {
		t.Fatalf("issue_node_id = %v, want \"42\"", payload.Body["issue_node_id"])
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	jobs := newTestQueue(t)
	h := NewHandler(jobs, "s3cret")

	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if _, ok, _ := jobs.ClaimJob(jobqueue.QueueWebhooks, "test-worker"); ok {
		t.Fatalf("expected no job to be enqueued")
	}
}

func TestHandlerRejectsMissingHeaders(t *testing.T) {
	jobs := newTestQueue(t)
	h := NewHandler(jobs, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerRejectsNonPost(t *testing.T) {
	jobs := newTestQueue(t)
	h := NewHandler(jobs, "")

	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
