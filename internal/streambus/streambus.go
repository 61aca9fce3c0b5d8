// Package streambus implements the persisted, published real-time
// notification channel observers use to watch run progress (spec.md
// §4.11), grounded in the reference's websocket/hub.go (subscriber
// registry, non-blocking dispatch) and events/bus.go (typed pub/sub Event,
// per-subscriber buffered channel), generalized from ephemeral probe
// broadcast to a durable, replayable, per-project stream.
package streambus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/conductor/internal/storage"
)

// Kind values for Event.Kind (spec.md §4.11).
const (
	KindRunPhaseChanged  = "run.phase_changed"
	KindGateEvaluated    = "gate.evaluated"
	KindOperatorAction   = "operator.action"
	KindAgentInvocation  = "agent.invocation"
	KindRunUpdated       = "run.updated"
	KindProjectUpdated   = "project.updated"
	KindRefreshRequired  = "refresh_required"
)

// ReplayWindow caps how many rows a single Replay call returns; a result
// at the cap signals the caller to fall back to a full refresh.
const ReplayWindow = 101

// DefaultPruneAge is pruneStreamEvents' default retention.
const DefaultPruneAge = 14 * 24 * time.Hour

// Event is one notification, either freshly published or replayed from
// stream_events.
type Event struct {
	ID        int64
	Kind      string
	ProjectID string
	RunID     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// channel returns the pub/sub topic name an Event is broadcast on.
func channel(projectID string) string { return "conductor:events:" + projectID }

// subscriber is one observer's buffered feed for a single project channel.
type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Bus persists and fans out stream events.
type Bus struct {
	db         *storage.DB
	mu         sync.RWMutex
	subs       map[string]map[*subscriber]struct{} // channel -> subscriber set
	bufferSize int
}

// New constructs a Bus. bufferSize is the per-subscriber channel depth;
// it defaults to 64 when <= 0, matching the reference bus's default.
func New(db *storage.DB, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		db:         db,
		subs:       make(map[string]map[*subscriber]struct{}),
		bufferSize: bufferSize,
	}
}

// Publish writes a stream_events row and broadcasts it on
// conductor:events:<projectId>. Persistence failure is non-fatal per
// spec.md §4.11: the broadcast is attempted regardless, with ID left 0.
func (b *Bus) Publish(kind, projectID, runID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}

	evt := Event{
		Kind:      kind,
		ProjectID: projectID,
		RunID:     runID,
		Payload:   json.RawMessage(raw),
		CreatedAt: storage.Now(),
	}

	if id, err := b.persist(evt); err == nil {
		evt.ID = id
	}

	b.broadcast(evt)
}

func (b *Bus) persist(evt Event) (int64, error) {
	var runID sql.NullString
	if evt.RunID != "" {
		runID = sql.NullString{String: evt.RunID, Valid: true}
	}
	res, err := b.db.Exec(
		`INSERT INTO stream_events (kind, project_id, run_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.Kind, evt.ProjectID, runID, string(evt.Payload), evt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("persist stream event: %w", err)
	}
	return res.LastInsertId()
}

func (b *Bus) broadcast(evt Event) {
	topic := channel(evt.ProjectID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case <-sub.done:
		case sub.ch <- evt:
		default:
			// slow subscriber; drop rather than block the publisher
		}
	}
}

// Subscription is a live feed of events for one project.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	topic  string
	sub    *subscriber
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.sub.close()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.sub)
	if len(s.bus.subs[s.topic]) == 0 {
		delete(s.bus.subs, s.topic)
	}
}

// Subscribe opens a live feed for a single project's channel.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &subscriber{
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	topic := channel(projectID)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{Events: sub.ch, bus: b, topic: topic, sub: sub}
}

// Replay returns stream_events rows with id > lastEventID across
// projectIDs, oldest first, capped at ReplayWindow rows. Overflow=true
// means more rows exist than the window allowed and the caller should do
// a full refresh instead of trusting the replay to be complete.
func (b *Bus) Replay(projectIDs []string, lastEventID int64) (events []Event, overflow bool, err error) {
	if len(projectIDs) == 0 {
		return nil, false, nil
	}

	placeholders := make([]string, len(projectIDs))
	args := make([]any, 0, len(projectIDs)+1)
	args = append(args, lastEventID)
	for i, id := range projectIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT id, kind, project_id, COALESCE(run_id, ''), payload, created_at FROM stream_events
		 WHERE id > ? AND project_id IN (%s) ORDER BY id ASC LIMIT %d`,
		joinPlaceholders(placeholders), ReplayWindow+1,
	)

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("replay stream events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var evt Event
		var payload, createdAt string
		if err := rows.Scan(&evt.ID, &evt.Kind, &evt.ProjectID, &evt.RunID, &payload, &createdAt); err != nil {
			return nil, false, fmt.Errorf("scan stream event: %w", err)
		}
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(events) > ReplayWindow {
		return events[:ReplayWindow], true, nil
	}
	return events, false, nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// PruneStreamEvents deletes rows older than maxAge, run by the cleanup
// queue (spec.md §4.11's "pruneStreamEvents"). maxAge defaults to
// DefaultPruneAge when <= 0.
func (b *Bus) PruneStreamEvents(maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultPruneAge
	}
	cutoff := storage.Now().Add(-maxAge)
	res, err := b.db.Exec(`DELETE FROM stream_events WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune stream events: %w", err)
	}
	return res.RowsAffected()
}
