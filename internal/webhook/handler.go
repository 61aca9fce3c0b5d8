package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/marcus-qen/conductor/internal/jobqueue"
)

// jobType is the jobqueue job_type recorded for every queued delivery; the
// webhooks queue only ever carries this one kind of work.
const jobType = "ingest_delivery"

// deliveryJob is the payload persisted to jobs.payload: the canonical
// {deliveryId, eventType, action?, body} record spec.md §5 describes,
// captured verbatim so Consumer never has to re-read the HTTP request.
type deliveryJob struct {
	DeliveryID string         `json:"deliveryId"`
	EventType  string         `json:"eventType"`
	Action     string         `json:"action,omitempty"`
	Body       map[string]any `json:"body"`
}

// Handler accepts inbound GitHub webhook HTTP requests, verifies their
// signature, and enqueues them onto jobqueue.QueueWebhooks for a Consumer to
// drain — an ack-fast/process-later split so a slow DB write never risks a
// GitHub webhook delivery timeout.
type Handler struct {
	jobs   *jobqueue.Queue
	secret []byte
}

// NewHandler constructs a Handler. An empty secret disables signature
// verification (see VerifySignature).
func NewHandler(jobs *jobqueue.Queue, secret string) *Handler {
	return &Handler{jobs: jobs, secret: []byte(secret)}
}

// ServeHTTP implements http.Handler for POST /webhooks/github.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")
	if deliveryID == "" || eventType == "" {
		http.Error(w, "missing X-GitHub-Delivery or X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	action, _ := raw["action"].(string)

	job := deliveryJob{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     action,
		Body:       canonicalizeBody(raw),
	}

	if _, err := h.jobs.CreateJob(jobqueue.CreateJobParams{
		Queue:          jobqueue.QueueWebhooks,
		JobType:        jobType,
		Payload:        job,
		IdempotencyKey: fmt.Sprintf("webhook-job:%s", deliveryID),
	}); err != nil {
		http.Error(w, "failed to enqueue delivery", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
