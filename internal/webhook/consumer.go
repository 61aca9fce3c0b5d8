package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

// claimedBy identifies this process's single webhook-draining goroutine to
// jobqueue's lease bookkeeping.
const claimedBy = "webhook-consumer"

// DefaultPollInterval is how often an idle Consumer checks the webhooks
// queue for a newly enqueued delivery.
const DefaultPollInterval = 2 * time.Second

// PRRecorder records a run's upstream pull-request identity. Implemented by
// *steps.Manager; declared here (rather than imported) for the same reason
// internal/upstream declares its own copy: steps already depends on
// orchestrator, and this package depends on orchestrator too, so importing
// steps directly would be the only new edge, but keeping the interface
// local keeps this package's dependency surface symmetric with upstream's.
type PRRecorder interface {
	RecordPRInfo(runID, prURL string, prNumber int, prState string) error
}

// Consumer drains jobqueue.QueueWebhooks, normalizing each delivery into the
// event log and driving the pull-request-merge completion path. Grounded on
// internal/upstream.Consumer's single-goroutine Start/Stop/poll lifecycle.
type Consumer struct {
	db         *storage.DB
	jobs       *jobqueue.Queue
	events     *eventlog.Log
	orch       *orchestrator.Orchestrator
	prRecorder PRRecorder
	poll       time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer constructs a Consumer. prRecorder may be nil in tests that
// don't exercise pull-request delivery.
func NewConsumer(db *storage.DB, jobs *jobqueue.Queue, events *eventlog.Log, orch *orchestrator.Orchestrator, prRecorder PRRecorder, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{db: db, jobs: jobs, events: events, orch: orch, prRecorder: prRecorder, poll: DefaultPollInterval, logger: logger}
}

// Start launches the drain loop. A second call while already running is a
// no-op.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(loopCtx)
	}()
}

// Stop cancels the drain loop and waits for the in-flight delivery, if any,
// to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		if c.claimAndProcess(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) claimAndProcess(ctx context.Context) bool {
	job, ok, err := c.jobs.ClaimJob(jobqueue.QueueWebhooks, claimedBy)
	if err != nil {
		c.logger.Error("claim webhook job failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	if err := c.process(ctx, job); err != nil {
		c.logger.Warn("webhook delivery failed", zap.String("jobId", job.ID), zap.Error(err))
		if failErr := c.jobs.FailJob(job.ID, err, 0); failErr != nil {
			c.logger.Error("mark webhook job failed", zap.Error(failErr))
		}
		return true
	}
	if err := c.jobs.CompleteJob(job.ID); err != nil {
		c.logger.Error("mark webhook job complete", zap.Error(err))
	}
	return true
}

func (c *Consumer) process(ctx context.Context, job jobqueue.Job) error {
	var delivery deliveryJob
	if err := json.Unmarshal(job.Payload, &delivery); err != nil {
		return fmt.Errorf("decode delivery payload: %w", err)
	}

	normalized := eventlog.Normalize(eventlog.WebhookDelivery{
		DeliveryID: delivery.DeliveryID,
		EventType:  delivery.EventType,
		Action:     delivery.Action,
		Body:       delivery.Body,
	})
	if !normalized.Handled {
		return nil
	}

	projectID, repoID, err := c.resolveRepo(normalized.RepoNodeID)
	if err != nil {
		return fmt.Errorf("resolve repo %q: %w", normalized.RepoNodeID, err)
	}

	runID := c.resolveRunID(normalized, repoID)

	if _, err := c.events.CreateEvent(projectID, normalized.EventType, normalized.Class, normalized.Payload, normalized.IdempotencyKey, eventlog.SourceWebhook, runID); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if runID == "" {
		return nil
	}
	if delivery.EventType != "pull_request" {
		return nil
	}
	return c.handlePullRequestEvent(runID, delivery.Body)
}

// resolveRepo maps a webhook's repository full_name (stored as
// repos.upstream_node_id) to its owning project and repo id. An empty
// repoNodeID (installation-level events have no repository) resolves to
// empty ids rather than an error, since those events are still worth
// logging without a run or project to attach them to.
func (c *Consumer) resolveRepo(repoNodeID string) (projectID, repoID string, err error) {
	if repoNodeID == "" {
		return "", "", nil
	}
	err = c.db.QueryRow(`SELECT project_id, id FROM repos WHERE upstream_node_id = ?`, repoNodeID).Scan(&projectID, &repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return projectID, repoID, nil
}

// resolveRunID finds the run a normalized webhook event is about: issue
// events resolve through the task's active run, pull-request events resolve
// through the run that opened that PR number.
func (c *Consumer) resolveRunID(n eventlog.Normalized, repoID string) string {
	if repoID == "" {
		return ""
	}
	if n.IssueNodeID != "" {
		var activeRunID sql.NullString
		if err := c.db.QueryRow(`SELECT active_run_id FROM tasks WHERE repo_id = ? AND upstream_node_id = ?`, repoID, n.IssueNodeID).Scan(&activeRunID); err == nil {
			return activeRunID.String
		}
	}
	if n.PRNodeID != "" {
		prNumber, err := strconv.Atoi(n.PRNodeID)
		if err != nil {
			return ""
		}
		var runID string
		if err := c.db.QueryRow(`SELECT id FROM runs WHERE repo_id = ? AND pr_number = ?`, repoID, prNumber).Scan(&runID); err == nil {
			return runID
		}
	}
	return ""
}

// handlePullRequestEvent keeps runs.pr_state in sync with the linked pull
// request (spec.md §4.6's "wait_pr_merge: driven purely by inbound webhooks
// that flip prState") and, once merged, completes the run.
func (c *Consumer) handlePullRequestEvent(runID string, body map[string]any) error {
	prNumberStr, _ := body["pr_node_id"].(string)
	prNumber, err := strconv.Atoi(prNumberStr)
	if err != nil {
		return nil
	}
	prURL, _ := body["pr_html_url"].(string)
	merged, _ := body["merged"].(bool)
	action, _ := body["action"].(string)

	state := action
	if action == "closed" {
		state = "closed"
	}
	if merged {
		state = "merged"
	}

	if c.prRecorder != nil {
		if err := c.prRecorder.RecordPRInfo(runID, prURL, prNumber, state); err != nil {
			return fmt.Errorf("record pr info: %w", err)
		}
	}

	if !merged {
		return nil
	}

	if _, err := c.orch.TransitionPhase(runID, orchestrator.PhaseCompleted, "webhook", "pull request merged", nil); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTransition) {
			c.logger.Warn("pull request merged but run was not awaiting review", zap.String("runId", runID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}
