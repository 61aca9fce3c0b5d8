// Package mirror implements the rate-limited, coalesced comment mirroring
// layer on top of the outbox (spec.md §4.8), grounded in the reference's
// controlplane/webhook/notifier.go delivery-tracking idiom, generalized
// from per-webhook fire-and-forget HTTP delivery into a 30-second
// coalescing window over the durable outbox.
package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/redact"
	"github.com/marcus-qen/conductor/internal/storage"
)

// DefaultWindow is the coalescing window spec.md §4.8 specifies.
const DefaultWindow = 30 * time.Second

// DefaultMaxCommentChars leaves the documented 536-char margin below the
// upstream 65,536-char comment limit.
const DefaultMaxCommentChars = 65_000

const truncationNotice = "\n\n_...truncated; see the run for full details._"

// DeferredEvent is one buffered row awaiting coalescing.
type DeferredEvent struct {
	ID             string
	RunID          string
	IdempotencyKey string
	Summary        string
	Payload        string
	CreatedAt      time.Time
}

// Result reports the outcome of a Mirror call. Mirror functions never
// return an error the caller must treat as fatal (spec.md §4.8/§7): any
// failure is captured here and logged, not thrown.
type Result struct {
	Enqueued bool
	Deferred bool
	EntryID  string
	Err      error
}

// Event is the input to Mirror: one structured occurrence to post (or
// coalesce) as a ticket comment.
type Event struct {
	RunID          string
	TargetNodeID   string
	TargetType     string
	IdempotencyKey string
	Summary        string
	Body           string // free-form details, passed through Line redaction
}

// Mirror coalesces and rate-limits comment posts onto the outbox.
type Mirror struct {
	db      *storage.DB
	outbox  *outbox.Outbox
	window  time.Duration
	maxChars int
}

// New constructs a Mirror. window and maxChars default to spec.md's values
// when zero.
func New(db *storage.DB, ob *outbox.Outbox, window time.Duration, maxChars int) *Mirror {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxCommentChars
	}
	return &Mirror{db: db, outbox: ob, window: window, maxChars: maxChars}
}

// MirrorComment implements spec.md §4.8's rate-limiter/coalescing
// algorithm: if a non-cancelled comment was posted for this run within the
// window, the event is deferred; otherwise all deferred rows for the run
// are coalesced with the current event into one comment, enqueued, and
// (only if the outbox reports a genuinely new entry) the deferred rows are
// deleted.
func (m *Mirror) MirrorComment(evt Event) Result {
	lastAt, err := m.lastCommentAt(evt.RunID)
	if err != nil {
		return Result{Err: fmt.Errorf("check last comment time: %w", err)}
	}

	if lastAt != nil && storage.Now().Sub(*lastAt) < m.window {
		if err := m.defer_(evt); err != nil {
			return Result{Err: fmt.Errorf("defer event: %w", err)}
		}
		return Result{Deferred: true}
	}

	deferred, err := m.listDeferred(evt.RunID)
	if err != nil {
		return Result{Err: fmt.Errorf("list deferred events: %w", err)}
	}

	body := m.compose(deferred, evt)
	body = truncate(body, m.maxChars)

	res, err := m.outbox.EnqueueWrite(outbox.EnqueueParams{
		RunID:        evt.RunID,
		Kind:         outbox.KindComment,
		TargetNodeID: evt.TargetNodeID,
		TargetType:   evt.TargetType,
		Payload:      map[string]any{"body": body},
	})
	if err != nil {
		return Result{Err: fmt.Errorf("enqueue comment: %w", err)}
	}

	if res.IsNew {
		if err := m.deleteDeferred(evt.RunID); err != nil {
			return Result{Enqueued: true, EntryID: res.Entry.ID, Err: fmt.Errorf("delete deferred events: %w", err)}
		}
	}

	return Result{Enqueued: true, EntryID: res.Entry.ID}
}

// defer_ buffers evt into mirror_deferred_events, deduped on idempotency
// key (spec.md §4.8's "unique on idempotencyKey to prevent double-deferral").
func (m *Mirror) defer_(evt Event) error {
	var existing int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM mirror_deferred_events WHERE idempotency_key = ?`, evt.IdempotencyKey).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	now := storage.Now()
	_, err := m.db.Exec(
		`INSERT INTO mirror_deferred_events (id, run_id, idempotency_key, summary, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conductorids.New(conductorids.KindMirrorDeferred), evt.RunID, evt.IdempotencyKey, evt.Summary, evt.Body, now.Format(time.RFC3339Nano),
	)
	return err
}

func (m *Mirror) listDeferred(runID string) ([]DeferredEvent, error) {
	rows, err := m.db.Query(
		`SELECT id, run_id, idempotency_key, summary, payload, created_at FROM mirror_deferred_events WHERE run_id = ? ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeferredEvent
	for rows.Next() {
		var d DeferredEvent
		var createdAt string
		if err := rows.Scan(&d.ID, &d.RunID, &d.IdempotencyKey, &d.Summary, &d.Payload, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, rows.Err()
}

func (m *Mirror) deleteDeferred(runID string) error {
	_, err := m.db.Exec(`DELETE FROM mirror_deferred_events WHERE run_id = ?`, runID)
	return err
}

// compose builds the coalesced comment body: deferred events ordered by
// createdAt, oldest first, with the current event last (spec.md §8
// scenario 5).
func (m *Mirror) compose(deferred []DeferredEvent, evt Event) string {
	var parts []string
	for _, d := range deferred {
		parts = append(parts, formatSection(d.Summary, d.Payload))
	}
	parts = append(parts, formatSection(evt.Summary, evt.Body))
	return redact.Line(strings.Join(parts, "\n\n---\n\n"))
}

func formatSection(summary, body string) string {
	if strings.TrimSpace(body) == "" {
		return "**" + summary + "**"
	}
	return fmt.Sprintf("**%s**\n\n<details>\n<summary>Details</summary>\n\n%s\n\n</details>", summary, body)
}

// lastCommentAt returns the sent_at (or created_at, pre-send) of the most
// recent non-cancelled comment outbox entry for runID, or nil if none.
func (m *Mirror) lastCommentAt(runID string) (*time.Time, error) {
	var ts string
	err := m.db.QueryRow(
		`SELECT COALESCE(sent_at, created_at) FROM github_writes
		 WHERE run_id = ? AND kind = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		runID, outbox.KindComment, outbox.StatusCancelled,
	).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// truncate cuts body to at most maxChars, preferring to cut inside the
// first collapsible details section and appending a truncation notice
// (spec.md §4.8, §8 boundary behavior).
func truncate(body string, maxChars int) string {
	if len(body) <= maxChars {
		return body
	}
	budget := maxChars - len(truncationNotice)
	if budget < 0 {
		budget = maxChars
	}

	if idx := strings.Index(body, "<details>"); idx >= 0 && idx < budget {
		cut := body[:budget]
		return cut + truncationNotice
	}
	return body[:budget] + truncationNotice
}

// MirrorPhaseChange implements orchestrator.Mirror: it posts (or coalesces)
// a comment describing a phase transition onto the run's linked ticket.
// Like MirrorComment, it never returns an error the caller must treat as
// fatal; the returned error is informational only, matching spec.md §4.5
// step 4's "invoke mirroring (non-fatal on failure)".
func (m *Mirror) MirrorPhaseChange(run orchestrator.Run, from, to orchestrator.Phase, reason string) error {
	targetNodeID, targetType, err := m.resolveTarget(run.ID)
	if err != nil {
		return fmt.Errorf("resolve mirror target: %w", err)
	}
	if targetNodeID == "" {
		return nil
	}

	summary := fmt.Sprintf("Run transitioned from %s to %s", from, to)
	res := m.MirrorComment(Event{
		RunID:          run.ID,
		TargetNodeID:   targetNodeID,
		TargetType:     targetType,
		IdempotencyKey: fmt.Sprintf("phase-comment:%s:%s:%s", run.ID, from, to),
		Summary:        summary,
		Body:           reason,
	})
	return res.Err
}

// resolveTarget looks up the upstream ticket a run's comments mirror onto.
func (m *Mirror) resolveTarget(runID string) (targetNodeID, targetType string, err error) {
	err = m.db.QueryRow(
		`SELECT t.upstream_node_id FROM runs r JOIN tasks t ON t.id = r.task_id WHERE r.id = ?`,
		runID,
	).Scan(&targetNodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return targetNodeID, "issue", nil
}

// FlushOrphans releases deferred rows stranded past staleAfter — e.g. a
// run that never posts another comment to trigger coalescing — by
// enqueueing them as a comment directly (spec.md §4.8's "periodic
// orphan-flush").
func (m *Mirror) FlushOrphans(staleAfter time.Duration, targetResolver func(runID string) (targetNodeID, targetType string)) error {
	cutoff := storage.Now().Add(-staleAfter)
	rows, err := m.db.Query(`SELECT DISTINCT run_id FROM mirror_deferred_events WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("list orphaned runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, runID := range runIDs {
		deferred, err := m.listDeferred(runID)
		if err != nil {
			return err
		}
		if len(deferred) == 0 {
			continue
		}
		targetNodeID, targetType := targetResolver(runID)
		body := truncate(m.compose(deferred[:len(deferred)-1], Event{
			RunID: runID, Summary: deferred[len(deferred)-1].Summary, Body: deferred[len(deferred)-1].Payload,
		}), m.maxChars)

		res, err := m.outbox.EnqueueWrite(outbox.EnqueueParams{
			RunID: runID, Kind: outbox.KindComment, TargetNodeID: targetNodeID, TargetType: targetType,
			Payload: map[string]any{"body": body},
			IdempotencyKey: fmt.Sprintf("%s:orphan-flush:%d", runID, cutoff.Unix()),
		})
		if err != nil {
			continue
		}
		if res.IsNew {
			_ = m.deleteDeferred(runID)
		}
	}
	return nil
}
