// Package eventlog implements the append-only, per-run monotonic event log
// (spec.md §4.3), grounded in the reference's persisted audit log
// (controlplane/audit/store.go) generalized from a flat append log to one
// with a per-run strictly increasing sequence and idempotency-key dedupe.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

// Class values for Event.Class.
const (
	ClassFact     = "fact"
	ClassDecision = "decision"
	ClassSignal   = "signal"
)

// Source values for Event.Source.
const (
	SourceWebhook      = "webhook"
	SourceToolLayer    = "tool_layer"
	SourceOrchestrator = "orchestrator"
	SourceOperator     = "operator"
)

// Event is one row of the append-only log.
type Event struct {
	ID             string
	ProjectID      string
	RunID          string // empty if not run-scoped
	Type           string
	Class          string
	Payload        json.RawMessage
	Sequence       int64
	IdempotencyKey string
	Source         string
	CreatedAt      time.Time
}

// Log is the event log store.
type Log struct {
	db     *storage.DB
	logger *zap.Logger
}

// New constructs a Log over db.
func New(db *storage.DB, logger *zap.Logger) *Log {
	return &Log{db: db, logger: logger}
}

// ErrNotFound is returned when an event id or (runID, sequence) has no row.
var ErrNotFound = errors.New("eventlog: not found")

// CreateEvent appends an event, or returns the existing row if
// idempotencyKey already exists. runID may be empty for project-scoped,
// non-run events (e.g. raw webhook ingress before task resolution) — in
// that case sequence is always 0.
//
// When runID is set, sequence assignment and the insert happen in the same
// transaction as the runs.next_sequence increment, so the two always
// advance together even under concurrent appends for the same run.
func (l *Log) CreateEvent(projectID, typ, class string, payload any, idempotencyKey, source, runID string) (Event, error) {
	if existing, ok, err := l.byIdempotencyKey(idempotencyKey); err != nil {
		return Event{}, err
	} else if ok {
		return existing, nil
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if runID != "" {
		seq, err = storage.NextSequence(tx, runID)
		if err != nil {
			return Event{}, err
		}
	}

	evt := Event{
		ID:             conductorids.New(conductorids.KindEvent),
		ProjectID:      projectID,
		RunID:          runID,
		Type:           typ,
		Class:          class,
		Payload:        payloadJSON,
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		Source:         source,
		CreatedAt:      storage.Now(),
	}

	_, err = tx.Exec(
		`INSERT INTO events (id, project_id, run_id, type, class, payload, sequence, idempotency_key, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.ProjectID, nullableString(evt.RunID), evt.Type, evt.Class,
		string(evt.Payload), evt.Sequence, evt.IdempotencyKey, evt.Source,
		evt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A concurrent writer may have inserted the same idempotency key
		// between our lookup and this insert; treat a unique violation the
		// same as a cache hit rather than surfacing it as a programmer error.
		if existing, ok, lookupErr := l.byIdempotencyKeyTx(tx, idempotencyKey); lookupErr == nil && ok {
			_ = tx.Rollback()
			return existing, nil
		}
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if runID != "" {
		if _, err := tx.Exec(`UPDATE runs SET last_event_sequence = ? WHERE id = ? AND last_event_sequence < ?`,
			seq, runID, seq); err != nil {
			return Event{}, fmt.Errorf("bump last_event_sequence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit: %w", err)
	}

	return evt, nil
}

// CreateEventTx appends an event inside an already-open transaction, for
// callers (the orchestrator's phase transitions) that must commit the event
// atomically with other row mutations. runID must be non-empty: tx-scoped
// appends are only used for run-owned decision events in this codebase.
func CreateEventTx(tx *sql.Tx, projectID, typ, class string, payload any, idempotencyKey, source, runID string) (Event, error) {
	if existing, ok, err := scanOneEvent(tx.QueryRow(eventSelect+` WHERE idempotency_key = ?`, idempotencyKey)); err != nil {
		return Event{}, err
	} else if ok {
		return existing, nil
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	seq, err := storage.NextSequence(tx, runID)
	if err != nil {
		return Event{}, err
	}

	evt := Event{
		ID:             conductorids.New(conductorids.KindEvent),
		ProjectID:      projectID,
		RunID:          runID,
		Type:           typ,
		Class:          class,
		Payload:        payloadJSON,
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		Source:         source,
		CreatedAt:      storage.Now(),
	}

	if _, err := tx.Exec(
		`INSERT INTO events (id, project_id, run_id, type, class, payload, sequence, idempotency_key, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.ProjectID, evt.RunID, evt.Type, evt.Class, string(evt.Payload),
		evt.Sequence, evt.IdempotencyKey, evt.Source, evt.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(`UPDATE runs SET last_event_sequence = ? WHERE id = ? AND last_event_sequence < ?`,
		seq, runID, seq); err != nil {
		return Event{}, fmt.Errorf("bump last_event_sequence: %w", err)
	}

	return evt, nil
}

func (l *Log) byIdempotencyKey(key string) (Event, bool, error) {
	return scanOneEvent(l.db.QueryRow(eventSelect+` WHERE idempotency_key = ?`, key))
}

func (l *Log) byIdempotencyKeyTx(tx *sql.Tx, key string) (Event, bool, error) {
	return scanOneEvent(tx.QueryRow(eventSelect+` WHERE idempotency_key = ?`, key))
}

// ByID fetches one event by id.
func (l *Log) ByID(id string) (Event, error) {
	evt, ok, err := scanOneEvent(l.db.QueryRow(eventSelect+` WHERE id = ?`, id))
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, ErrNotFound
	}
	return evt, nil
}

// BySequence fetches the event at (runID, sequence).
func (l *Log) BySequence(runID string, sequence int64) (Event, error) {
	evt, ok, err := scanOneEvent(l.db.QueryRow(eventSelect+` WHERE run_id = ? AND sequence = ?`, runID, sequence))
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, ErrNotFound
	}
	return evt, nil
}

// ListByRun returns all events for a run ordered by sequence ascending.
func (l *Log) ListByRun(runID string) ([]Event, error) {
	rows, err := l.db.Query(eventSelect+` WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

const eventSelect = `SELECT id, project_id, COALESCE(run_id, ''), type, class, payload, sequence, idempotency_key, source, created_at FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOneEvent(row rowScanner) (Event, bool, error) {
	evt, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return evt, true, nil
}

func scanEventRow(s rowScanner) (Event, error) {
	var (
		evt       Event
		payload   string
		createdAt string
	)
	if err := s.Scan(&evt.ID, &evt.ProjectID, &evt.RunID, &evt.Type, &evt.Class, &payload,
		&evt.Sequence, &evt.IdempotencyKey, &evt.Source, &createdAt); err != nil {
		return Event{}, err
	}
	evt.Payload = json.RawMessage(payload)
	evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return evt, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
