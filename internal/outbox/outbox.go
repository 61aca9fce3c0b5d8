// Package outbox implements the durable, idempotent record of every
// intended write to the upstream platform (spec.md §4.8), grounded in the
// reference's controlplane/webhook/store.go upsert-persistence idiom and
// webhook/notifier.go's delivery-tracking shape, generalized from a
// fire-and-forget HTTP notifier to a claimed-and-retried outbox table.
package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/redact"
	"github.com/marcus-qen/conductor/internal/storage"
)

// Status values for Entry.Status.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Kind values supported by outbound upstream writes (spec.md §6).
const (
	KindComment           = "comment"
	KindPullRequest        = "pull_request"
	KindCheckRun           = "check_run"
	KindBranch             = "branch"
	KindLabel              = "label"
	KindReview             = "review"
	KindProjectFieldUpdate = "project_field_update"
)

// DefaultStaleProcessingThreshold is how long a "processing" row can sit
// before the stalled-processing detector resets it to queued.
const DefaultStaleProcessingThreshold = 5 * time.Minute

// ErrNotFound is returned when an id has no row.
var ErrNotFound = errors.New("outbox: not found")

// ErrInvalidTransition is returned when Complete/Fail sees an entry that is
// not in the expected source status.
var ErrInvalidTransition = errors.New("outbox: invalid transition")

// Entry is one row of the github_writes table.
type Entry struct {
	ID             string
	RunID          string
	Kind           string
	TargetNodeID   string
	TargetType     string
	Payload        json.RawMessage
	PayloadHash    string
	IdempotencyKey string
	Status         string
	RetryCount     int
	SentAt         *time.Time
	UpstreamID     string
	UpstreamURL    string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnqueueParams is the input to EnqueueWrite.
type EnqueueParams struct {
	RunID          string
	Kind           string
	TargetNodeID   string
	TargetType     string
	Payload        any
	IdempotencyKey string // optional; defaults to runId:kind:targetNodeId:payloadHash
}

// EnqueueResult reports whether EnqueueWrite created a new row.
type EnqueueResult struct {
	Entry Entry
	IsNew bool
}

// Outbox is the durable write-intent store.
type Outbox struct {
	db *storage.DB
}

// New constructs an Outbox over db.
func New(db *storage.DB) *Outbox {
	return &Outbox{db: db}
}

// EnqueueWrite computes the canonical payload hash, defaults the
// idempotency key, and inserts a queued row — or returns the existing row
// with IsNew=false if that key is already present (spec.md §4.8).
//
// Write ordering for multiple entries sharing (runId, kind) is NOT
// guaranteed: claim order is by created_at across the whole queue, not
// scoped per (runId, kind). Callers that need ordering (e.g. "PR created"
// must be mirrored before "PR merge wait" comments) must encode a sequence
// number into IdempotencyKey themselves — spec.md §9 flags this as an open
// question this implementation resolves by documentation, not by adding
// implicit ordering.
func (o *Outbox) EnqueueWrite(p EnqueueParams) (EnqueueResult, error) {
	payloadResult := redact.Value(p.Payload, nil, nil)

	idempotencyKey := p.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%s:%s:%s", p.RunID, p.Kind, p.TargetNodeID, payloadResult.Hash)
	}

	if existing, ok, err := o.byIdempotencyKey(idempotencyKey); err != nil {
		return EnqueueResult{}, err
	} else if ok {
		return EnqueueResult{Entry: existing, IsNew: false}, nil
	}

	now := storage.Now()
	entry := Entry{
		ID:             conductorids.New(conductorids.KindOutboxEntry),
		RunID:          p.RunID,
		Kind:           p.Kind,
		TargetNodeID:   p.TargetNodeID,
		TargetType:     p.TargetType,
		Payload:        json.RawMessage(payloadResult.CanonicalJSON),
		PayloadHash:    payloadResult.Hash,
		IdempotencyKey: idempotencyKey,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := o.db.Exec(
		`INSERT INTO github_writes (id, run_id, kind, target_node_id, target_type, payload, payload_hash, idempotency_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.Kind, entry.TargetNodeID, entry.TargetType,
		string(entry.Payload), entry.PayloadHash, entry.IdempotencyKey, entry.Status,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if existing, ok, lookupErr := o.byIdempotencyKey(idempotencyKey); lookupErr == nil && ok {
			return EnqueueResult{Entry: existing, IsNew: false}, nil
		}
		return EnqueueResult{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	return EnqueueResult{Entry: entry, IsNew: true}, nil
}

// ClaimNext claims the oldest queued entry, marking it processing and
// stamping sent_at. Returns ok=false if nothing is queued.
func (o *Outbox) ClaimNext() (entry Entry, ok bool, err error) {
	tx, err := o.db.Begin()
	if err != nil {
		return Entry{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(entrySelect+` WHERE status = ? ORDER BY created_at ASC LIMIT 1`, StatusQueued)
	entry, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("select claimable entry: %w", err)
	}

	now := storage.Now()
	res, err := tx.Exec(`UPDATE github_writes SET status = ?, sent_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, fmtTime(now), fmtTime(now), entry.ID, StatusQueued)
	if err != nil {
		return Entry{}, false, fmt.Errorf("claim entry: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return Entry{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("commit claim: %w", err)
	}

	entry.Status = StatusProcessing
	entry.SentAt = &now
	return entry, true, nil
}

// Complete records a successful upstream write.
func (o *Outbox) Complete(id, upstreamID, upstreamURL string) error {
	return o.transition(id, []string{StatusProcessing}, func() error {
		_, err := o.db.Exec(`UPDATE github_writes SET status = ?, upstream_id = ?, upstream_url = ?, updated_at = ? WHERE id = ?`,
			StatusCompleted, upstreamID, upstreamURL, fmtTime(storage.Now()), id)
		return err
	})
}

// Fail records a failed upstream write and increments retry_count.
func (o *Outbox) Fail(id string, writeErr error) error {
	return o.transition(id, []string{StatusProcessing}, func() error {
		msg := ""
		if writeErr != nil {
			msg = writeErr.Error()
		}
		_, err := o.db.Exec(`UPDATE github_writes SET status = ?, error = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
			StatusFailed, msg, fmtTime(storage.Now()), id)
		return err
	})
}

// Cancel marks a queued or failed entry cancelled, e.g. when the owning run
// is cancelled before the write goes out.
func (o *Outbox) Cancel(id string) error {
	return o.transition(id, []string{StatusQueued, StatusFailed}, func() error {
		_, err := o.db.Exec(`UPDATE github_writes SET status = ?, updated_at = ? WHERE id = ?`,
			StatusCancelled, fmtTime(storage.Now()), id)
		return err
	})
}

// Requeue resets a failed entry back to queued for retry.
func (o *Outbox) Requeue(id string) error {
	return o.transition(id, []string{StatusFailed}, func() error {
		_, err := o.db.Exec(`UPDATE github_writes SET status = ?, sent_at = NULL, updated_at = ? WHERE id = ?`,
			StatusQueued, fmtTime(storage.Now()), id)
		return err
	})
}

// ResetStalledProcessing resets processing rows whose sent_at is older than
// threshold back to queued, so a crashed writer's claim isn't permanent.
func (o *Outbox) ResetStalledProcessing(threshold time.Duration) (int64, error) {
	cutoff := storage.Now().Add(-threshold)
	res, err := o.db.Exec(`UPDATE github_writes SET status = ?, updated_at = ? WHERE status = ? AND sent_at < ?`,
		StatusQueued, fmtTime(storage.Now()), StatusProcessing, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reset stalled processing: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches an entry by id.
func (o *Outbox) Get(id string) (Entry, error) {
	entry, ok, err := o.byField("id", id)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// ListByRun returns every outbox entry for a run, newest first.
func (o *Outbox) ListByRun(runID string) ([]Entry, error) {
	rows, err := o.db.Query(entrySelect+` WHERE run_id = ? ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list by run: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (o *Outbox) transition(id string, fromStatuses []string, mutate func() error) error {
	var current string
	if err := o.db.QueryRow(`SELECT status FROM github_writes WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load entry status: %w", err)
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
	return mutate()
}

func (o *Outbox) byIdempotencyKey(key string) (Entry, bool, error) {
	return o.byField("idempotency_key", key)
}

func (o *Outbox) byField(col, val string) (Entry, bool, error) {
	e, err := scanEntry(o.db.QueryRow(entrySelect+fmt.Sprintf(` WHERE %s = ?`, col), val))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

const entrySelect = `SELECT id, run_id, kind, target_node_id, target_type, payload, payload_hash, idempotency_key,
	status, retry_count, sent_at, upstream_id, upstream_url, error, created_at, updated_at FROM github_writes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (Entry, error) {
	var (
		e               Entry
		payload         string
		sentAt          sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&e.ID, &e.RunID, &e.Kind, &e.TargetNodeID, &e.TargetType, &payload, &e.PayloadHash,
		&e.IdempotencyKey, &e.Status, &e.RetryCount, &sentAt, &e.UpstreamID, &e.UpstreamURL, &e.Error,
		&createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if sentAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, sentAt.String)
		e.SentAt = &t
	}
	return e, nil
}

func fmtTime(t time.Time) string { return t.Format(time.RFC3339Nano) }
