// Package jobqueue implements the leased, durable job queue (spec.md §4.4),
// grounded in the reference's controlplane/jobs/store.go claim/lease/retry
// machinery, generalized from a single "scheduled command" table into a
// queue-agnostic job table with named queues.
package jobqueue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/storage"
)

// Status values for Job.Status.
const (
	StatusQueued    = "queued"
	StatusProcessing = "processing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Named queues (spec.md §4.4).
const (
	QueueWebhooks     = "webhooks"
	QueueRuns         = "runs"
	QueueAgents       = "agents"
	QueueCleanup      = "cleanup"
	QueueGithubWrites = "github_writes"
)

// DefaultLease is the lease duration granted on claim.
const DefaultLease = 5 * time.Minute

// DefaultMaxAttempts is used when callers don't specify one.
const DefaultMaxAttempts = 3

var (
	// ErrNotFound is returned when a job id has no row.
	ErrNotFound = errors.New("jobqueue: not found")
	// ErrInvalidTransition is returned when completeJob/failJob sees a job
	// that is not in the expected source status.
	ErrInvalidTransition = errors.New("jobqueue: invalid transition")
)

// Job is one row of the queue.
type Job struct {
	ID              string
	Queue           string
	JobType         string
	Payload         json.RawMessage
	IdempotencyKey  string
	Status          string
	Priority        int
	ClaimedBy       string
	ClaimedAt       *time.Time
	LeaseExpiresAt  *time.Time
	Attempts        int
	MaxAttempts     int
	LastError       string
	NextRetryAt     *time.Time
	RunID           string
	ProjectID       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Queue is the job queue store.
type Queue struct {
	db *storage.DB
}

// New constructs a Queue over db.
func New(db *storage.DB) *Queue {
	return &Queue{db: db}
}

// CreateJobParams is the input to CreateJob.
type CreateJobParams struct {
	Queue          string
	JobType        string
	Payload        any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	RunID          string
	ProjectID      string
}

// CreateJob inserts a new job, or returns the existing row if
// IdempotencyKey already exists (spec.md §3, §8 idempotence laws).
func (q *Queue) CreateJob(p CreateJobParams) (Job, error) {
	if existing, ok, err := q.byIdempotencyKey(q.db, p.IdempotencyKey); err != nil {
		return Job{}, err
	} else if ok {
		return existing, nil
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := storage.Now()
	job := Job{
		ID:             conductorids.New(conductorids.KindJob),
		Queue:          p.Queue,
		JobType:        p.JobType,
		Payload:        payloadJSON,
		IdempotencyKey: p.IdempotencyKey,
		Status:         StatusQueued,
		Priority:       p.Priority,
		MaxAttempts:    maxAttempts,
		RunID:          p.RunID,
		ProjectID:      p.ProjectID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = q.db.Exec(
		`INSERT INTO jobs (id, queue, job_type, payload, idempotency_key, status, priority, max_attempts, run_id, project_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.JobType, string(job.Payload), job.IdempotencyKey, job.Status,
		job.Priority, job.MaxAttempts, nullableString(job.RunID), nullableString(job.ProjectID),
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	if err != nil {
		if existing, ok, lookupErr := q.byIdempotencyKey(q.db, p.IdempotencyKey); lookupErr == nil && ok {
			return existing, nil
		}
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically claims the highest-priority, oldest eligible job in
// queue — either a fresh "queued" row, or a "processing" row whose lease has
// expired — and extends its lease. Returns ok=false if nothing is eligible;
// callers poll, there is no internal busy-wait (spec.md §4.4).
func (q *Queue) ClaimJob(queue, claimedBy string) (job Job, ok bool, err error) {
	tx, err := q.db.Begin()
	if err != nil {
		return Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := storage.Now()
	row := tx.QueryRow(
		jobSelect+` WHERE queue = ? AND (status = ? OR (status = ? AND lease_expires_at < ?))
		 ORDER BY priority DESC, created_at ASC LIMIT 1`,
		queue, StatusQueued, StatusProcessing, fmtTime(now),
	)
	job, err = scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("select claimable job: %w", err)
	}

	leaseExpires := now.Add(DefaultLease)
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, claimed_by = ?, claimed_at = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, claimedBy, fmtTime(now), fmtTime(leaseExpires), fmtTime(now), job.ID, job.Status,
	)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Another worker claimed it between our select and update.
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = StatusProcessing
	job.ClaimedBy = claimedBy
	job.ClaimedAt = &now
	job.LeaseExpiresAt = &leaseExpires
	job.Attempts++
	return job, true, nil
}

// CompleteJob moves a processing job to completed. Any other source status
// is rejected.
func (q *Queue) CompleteJob(jobID string) error {
	return q.transition(jobID, []string{StatusProcessing}, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.Exec(`UPDATE jobs SET status = ?, claimed_by = '', claimed_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`, StatusCompleted, fmtTime(now), jobID)
		return err
	})
}

// FailJob records a failure. If attempts has reached maxAttempts the job is
// dead-lettered; otherwise it is scheduled for retry after retryDelay.
func (q *Queue) FailJob(jobID string, failErr error, retryDelay time.Duration) error {
	return q.transition(jobID, []string{StatusProcessing}, func(tx *sql.Tx, now time.Time) error {
		var attempts, maxAttempts int
		if err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, jobID).Scan(&attempts, &maxAttempts); err != nil {
			return err
		}

		msg := ""
		if failErr != nil {
			msg = failErr.Error()
		}

		if attempts >= maxAttempts {
			_, err := tx.Exec(`UPDATE jobs SET status = ?, last_error = ?, claimed_by = '', claimed_at = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ?`, StatusDead, msg, fmtTime(now), jobID)
			return err
		}

		nextRetry := now.Add(retryDelay)
		_, err := tx.Exec(`UPDATE jobs SET status = ?, last_error = ?, next_retry_at = ?, claimed_by = '', claimed_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`, StatusFailed, msg, fmtTime(nextRetry), fmtTime(now), jobID)
		return err
	})
}

// RenewLease extends the lease for a job, but only if claimedBy matches the
// current owner — a lost lease cannot be reclaimed by renewal.
func (q *Queue) RenewLease(jobID, claimedBy string, extension time.Duration) error {
	now := storage.Now()
	newExpiry := now.Add(extension)
	res, err := q.db.Exec(
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND claimed_by = ? AND status = ?`,
		fmtTime(newExpiry), fmtTime(now), jobID, claimedBy, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FindRetryableJobs returns failed jobs in queue whose nextRetryAt has
// passed. A periodic requeuer promotes these back to queued.
func (q *Queue) FindRetryableJobs(queue string) ([]Job, error) {
	rows, err := q.db.Query(
		jobSelect+` WHERE queue = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at ASC`,
		queue, StatusFailed, fmtTime(storage.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("find retryable: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// RequeueRetryable promotes a failed, retry-eligible job back to queued.
func (q *Queue) RequeueRetryable(jobID string) error {
	return q.transition(jobID, []string{StatusFailed}, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.Exec(`UPDATE jobs SET status = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`,
			StatusQueued, fmtTime(now), jobID)
		return err
	})
}

// FindExpiredLeases returns processing jobs whose lease has passed. ClaimJob
// already recovers these implicitly; this is for monitoring/alerting.
func (q *Queue) FindExpiredLeases(queue string) ([]Job, error) {
	rows, err := q.db.Query(
		jobSelect+` WHERE queue = ? AND status = ? AND lease_expires_at < ? ORDER BY lease_expires_at ASC`,
		queue, StatusProcessing, fmtTime(storage.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// DeleteOldCompletedJobs removes completed jobs older than olderThanDays.
func (q *Queue) DeleteOldCompletedJobs(olderThanDays int) (int64, error) {
	cutoff := storage.Now().AddDate(0, 0, -olderThanDays)
	res, err := q.db.Exec(`DELETE FROM jobs WHERE status = ? AND updated_at < ?`, StatusCompleted, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old completed jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches a job by id.
func (q *Queue) Get(jobID string) (Job, error) {
	job, ok, err := q.byIdempotencyKeyLike(jobSelect+` WHERE id = ?`, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (q *Queue) transition(jobID string, fromStatuses []string, mutate func(tx *sql.Tx, now time.Time) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load job status: %w", err)
	}

	allowed := false
	for _, s := range fromStatuses {
		if current == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}

	if err := mutate(tx, storage.Now()); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}

	return tx.Commit()
}

func (q *Queue) byIdempotencyKey(db *storage.DB, key string) (Job, bool, error) {
	return q.byIdempotencyKeyLike(jobSelect+` WHERE idempotency_key = ?`, key)
}

func (q *Queue) byIdempotencyKeyLike(query string, arg string) (Job, bool, error) {
	job, err := scanJobRow(q.db.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

const jobSelect = `SELECT id, queue, job_type, payload, idempotency_key, status, priority, claimed_by,
	claimed_at, lease_expires_at, attempts, max_attempts, last_error, next_retry_at,
	COALESCE(run_id, ''), COALESCE(project_id, ''), created_at, updated_at FROM jobs`

func scanJobRows(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowOrRows interface {
	Scan(dest ...any) error
}

func scanJobRow(s rowOrRows) (Job, error) {
	var (
		job                                     Job
		payload                                 string
		claimedAt, leaseExpiresAt, nextRetryAt  sql.NullString
		createdAt, updatedAt                    string
	)
	if err := s.Scan(&job.ID, &job.Queue, &job.JobType, &payload, &job.IdempotencyKey, &job.Status,
		&job.Priority, &job.ClaimedBy, &claimedAt, &leaseExpiresAt, &job.Attempts, &job.MaxAttempts,
		&job.LastError, &nextRetryAt, &job.RunID, &job.ProjectID, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.ClaimedAt = parseNullableTime(claimedAt)
	job.LeaseExpiresAt = parseNullableTime(leaseExpiresAt)
	job.NextRetryAt = parseNullableTime(nextRetryAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return job, nil
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
