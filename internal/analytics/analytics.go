// Package analytics computes read-only aggregate statistics over runs and
// their phase-transition history (spec.md §4.12), grounded in the
// reference's audit.Store.Query/Count read-side query idiom: plain SQL
// reads with Go-side aggregation, no separate materialized-view store.
package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/storage"
)

// PhaseTransitionEventType is the eventlog type written by the
// orchestrator on every transitionPhase call.
const PhaseTransitionEventType = "phase.transitioned"

// Totals summarizes run counts and outcomes for a user's projects.
type Totals struct {
	TotalRuns     int
	CompletedRuns int
	CancelledRuns int
	InFlightRuns  int
	SuccessRate   float64 // CompletedRuns / (CompletedRuns + CancelledRuns); 0 if none terminal
}

// PhaseCount is one entry of the runs-by-phase breakdown.
type PhaseCount struct {
	Phase string
	Count int
}

// ProjectRunCount is one entry of the top-project breakdown.
type ProjectRunCount struct {
	ProjectID string
	RunCount  int
}

// DayCount is one entry of the completion histogram.
type DayCount struct {
	Day   string // YYYY-MM-DD, UTC
	Count int
}

// Analytics computes aggregate statistics, always scoped to a user via
// projects.user_id (spec.md §4.12).
type Analytics struct {
	db *storage.DB
}

// New constructs an Analytics reader over db.
func New(db *storage.DB) *Analytics {
	return &Analytics{db: db}
}

// Totals computes run counts, success rate, and average cycle time for a
// user's runs.
func (a *Analytics) Totals(userID string) (Totals, error) {
	rows, err := a.db.Query(
		`SELECT r.phase FROM runs r JOIN projects p ON p.id = r.project_id WHERE p.user_id = ?`,
		userID,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("query run phases: %w", err)
	}
	defer rows.Close()

	var t Totals
	for rows.Next() {
		var phase string
		if err := rows.Scan(&phase); err != nil {
			return Totals{}, fmt.Errorf("scan phase: %w", err)
		}
		t.TotalRuns++
		switch phase {
		case "completed":
			t.CompletedRuns++
		case "cancelled":
			t.CancelledRuns++
		default:
			t.InFlightRuns++
		}
	}
	if err := rows.Err(); err != nil {
		return Totals{}, err
	}

	if terminal := t.CompletedRuns + t.CancelledRuns; terminal > 0 {
		t.SuccessRate = float64(t.CompletedRuns) / float64(terminal)
	}
	return t, nil
}

// AverageCycleTime returns the mean wall-clock duration between created_at
// and completed_at for a user's completed runs.
func (a *Analytics) AverageCycleTime(userID string) (time.Duration, error) {
	rows, err := a.db.Query(
		`SELECT r.created_at, r.completed_at FROM runs r JOIN projects p ON p.id = r.project_id
		 WHERE p.user_id = ? AND r.phase = 'completed' AND r.completed_at IS NOT NULL`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("query completed runs: %w", err)
	}
	defer rows.Close()

	var total time.Duration
	var count int
	for rows.Next() {
		var createdAt, completedAt string
		if err := rows.Scan(&createdAt, &completedAt); err != nil {
			return 0, fmt.Errorf("scan run times: %w", err)
		}
		c, err1 := time.Parse(time.RFC3339Nano, createdAt)
		d, err2 := time.Parse(time.RFC3339Nano, completedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		total += d.Sub(c)
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}

// AverageAwaitingPlanApprovalTime returns the mean time runs spend in the
// awaiting_plan_approval phase, by pairing each entry transition event
// (payload.to == awaiting_plan_approval) with the next exit transition
// event (payload.from == awaiting_plan_approval) per run, in sequence
// order (spec.md §4.12).
func (a *Analytics) AverageAwaitingPlanApprovalTime(userID string) (time.Duration, error) {
	rows, err := a.db.Query(
		`SELECT e.run_id, e.payload, e.created_at FROM events e
		 JOIN runs r ON r.id = e.run_id
		 JOIN projects p ON p.id = r.project_id
		 WHERE p.user_id = ? AND e.type = ? AND e.run_id IS NOT NULL
		 ORDER BY e.run_id, e.sequence ASC`,
		userID, PhaseTransitionEventType,
	)
	if err != nil {
		return 0, fmt.Errorf("query phase transitions: %w", err)
	}
	defer rows.Close()

	type transition struct {
		from, to string
		at       time.Time
	}

	byRun := make(map[string][]transition)
	for rows.Next() {
		var runID, payload, createdAt string
		if err := rows.Scan(&runID, &payload, &createdAt); err != nil {
			return 0, fmt.Errorf("scan transition: %w", err)
		}
		var p struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			continue
		}
		byRun[runID] = append(byRun[runID], transition{from: p.From, to: p.To, at: at})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total time.Duration
	var count int
	for _, transitions := range byRun {
		var enteredAt *time.Time
		for _, tr := range transitions {
			if tr.to == "awaiting_plan_approval" {
				t := tr.at
				enteredAt = &t
				continue
			}
			if tr.from == "awaiting_plan_approval" && enteredAt != nil {
				total += tr.at.Sub(*enteredAt)
				count++
				enteredAt = nil
			}
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}

// RunsByPhase returns the current count of a user's runs grouped by phase.
func (a *Analytics) RunsByPhase(userID string) ([]PhaseCount, error) {
	rows, err := a.db.Query(
		`SELECT r.phase, COUNT(*) FROM runs r JOIN projects p ON p.id = r.project_id
		 WHERE p.user_id = ? GROUP BY r.phase ORDER BY COUNT(*) DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs by phase: %w", err)
	}
	defer rows.Close()

	var out []PhaseCount
	for rows.Next() {
		var pc PhaseCount
		if err := rows.Scan(&pc.Phase, &pc.Count); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// TopProjects returns the 5 projects with the most runs for a user.
func (a *Analytics) TopProjects(userID string) ([]ProjectRunCount, error) {
	rows, err := a.db.Query(
		`SELECT r.project_id, COUNT(*) AS n FROM runs r JOIN projects p ON p.id = r.project_id
		 WHERE p.user_id = ? GROUP BY r.project_id ORDER BY n DESC LIMIT 5`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query top projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRunCount
	for rows.Next() {
		var prc ProjectRunCount
		if err := rows.Scan(&prc.ProjectID, &prc.RunCount); err != nil {
			return nil, fmt.Errorf("scan project run count: %w", err)
		}
		out = append(out, prc)
	}
	return out, rows.Err()
}

// CompletionHistogram returns a 7-day count of completed runs, one entry
// per day (oldest first), ending today (UTC).
func (a *Analytics) CompletionHistogram(userID string, now time.Time) ([]DayCount, error) {
	now = now.UTC()
	since := now.AddDate(0, 0, -6)
	sinceDay := since.Format("2006-01-02")

	rows, err := a.db.Query(
		`SELECT substr(r.completed_at, 1, 10) AS day, COUNT(*) FROM runs r JOIN projects p ON p.id = r.project_id
		 WHERE p.user_id = ? AND r.phase = 'completed' AND r.completed_at IS NOT NULL AND substr(r.completed_at, 1, 10) >= ?
		 GROUP BY day`,
		userID, sinceDay,
	)
	if err != nil {
		return nil, fmt.Errorf("query completion histogram: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		counts[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]DayCount, 0, 7)
	for d := since; !d.After(now); d = d.AddDate(0, 0, 1) {
		day := d.Format("2006-01-02")
		out = append(out, DayCount{Day: day, Count: counts[day]})
	}
	return out, nil
}
