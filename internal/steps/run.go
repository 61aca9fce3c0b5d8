package steps

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/storage"
)

// runContext is the full run projection step handlers need — a superset of
// orchestrator.Run, which only carries the fields the phase state machine
// itself touches.
type runContext struct {
	orchestrator.Run

	RepoID          string
	PolicySetID     string
	BaseBranch      string
	Branch          string
	PlanRevisions   int
	TestFixAttempts int
	ReviewRounds    int
	PRURL           string
	PRNumber        sql.NullInt64
	PRState         string

	RemoteURL         string
	ClonePath         string
	RepoTestCmd       string
	RepoDefaultBranch string
}

// loadRunContext reads the full row plus its repo for one run.
func (m *Manager) loadRunContext(runID string) (runContext, error) {
	var rc runContext
	var phase string
	var prNumber sql.NullInt64
	err := m.db.QueryRow(
		`SELECT r.id, r.project_id, r.task_id, r.phase, r.repo_id, r.policy_set_id, r.base_branch, r.branch,
		        r.plan_revisions, r.test_fix_attempts, r.review_rounds, r.pr_url, r.pr_number, r.pr_state,
		        rp.remote_url, rp.clone_path, rp.test_command, rp.default_branch
		 FROM runs r JOIN repos rp ON rp.id = r.repo_id
		 WHERE r.id = ?`,
		runID,
	).Scan(&rc.ID, &rc.ProjectID, &rc.TaskID, &phase, &rc.RepoID, &rc.PolicySetID, &rc.BaseBranch, &rc.Branch,
		&rc.PlanRevisions, &rc.TestFixAttempts, &rc.ReviewRounds, &rc.PRURL, &prNumber, &rc.PRState,
		&rc.RemoteURL, &rc.ClonePath, &rc.RepoTestCmd, &rc.RepoDefaultBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return runContext{}, orchestrator.ErrNotFound
	}
	if err != nil {
		return runContext{}, fmt.Errorf("load run context: %w", err)
	}
	rc.Phase = orchestrator.Phase(phase)
	rc.PRNumber = prNumber
	return rc, nil
}

func (m *Manager) setBranch(runID, branch string) error {
	_, err := m.db.Exec(`UPDATE runs SET branch = ?, updated_at = ? WHERE id = ?`, branch, storage.Now().Format(time.RFC3339Nano), runID)
	return err
}

func (m *Manager) bumpCounter(runID, column string) error {
	_, err := m.db.Exec(fmt.Sprintf(`UPDATE runs SET %s = %s + 1, updated_at = ? WHERE id = ?`, column, column), storage.Now().Format(time.RFC3339Nano), runID)
	return err
}

func (m *Manager) setPRInfo(runID, prURL string, prNumber int, prState string) error {
	_, err := m.db.Exec(`UPDATE runs SET pr_url = ?, pr_number = ?, pr_state = ?, updated_at = ? WHERE id = ?`,
		prURL, prNumber, prState, storage.Now().Format(time.RFC3339Nano), runID)
	return err
}

// RecordPRInfo is setPRInfo exported for callers outside this package: the
// outbox consumer (internal/upstream) records prUrl/prNumber/prState=open
// once the create_pr write lands upstream, and the webhook consumer
// (internal/webhook) updates prState as the linked pull request moves
// through open/closed/merged (spec.md §4.6's create_pr contract).
func (m *Manager) RecordPRInfo(runID, prURL string, prNumber int, prState string) error {
	return m.setPRInfo(runID, prURL, prNumber, prState)
}

// --- artifacts ---

// artifactKinds, matching the Artifact entity's closed kind set (spec.md §3).
const (
	ArtifactPlan       = "plan"
	ArtifactReview     = "review"
	ArtifactTestReport = "test_report"
	ArtifactOther      = "other"
)

// writeArtifact inserts a new versioned artifact row, version computed as
// one past the highest existing version of (runID, kind).
func (m *Manager) writeArtifact(runID, kind, content, checksum, validationStatus string) (string, error) {
	var maxVersion int
	if err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM artifacts WHERE run_id = ? AND type = ?`, runID, kind).Scan(&maxVersion); err != nil {
		return "", fmt.Errorf("max artifact version: %w", err)
	}
	id := conductorids.New(conductorids.KindArtifact)
	_, err := m.db.Exec(
		`INSERT INTO artifacts (id, run_id, type, version, content, checksum, validation_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, kind, maxVersion+1, content, checksum, validationStatus, storage.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// latestArtifact fetches the highest-version row of (runID, kind).
func (m *Manager) latestArtifact(runID, kind string) (content string, ok bool, err error) {
	err = m.db.QueryRow(
		`SELECT content FROM artifacts WHERE run_id = ? AND type = ? ORDER BY version DESC LIMIT 1`,
		runID, kind,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load latest artifact: %w", err)
	}
	return content, true, nil
}

// verdict is the structured result an agent-invoking step parses from its
// final turn: plan/review verdicts are a small JSON object the system
// prompt instructs the model to emit as its last line.
type verdict struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary"`
}

// parseVerdict extracts the trailing JSON verdict object from an agent's
// final response content. Planner/reviewer system prompts require the
// model's last line to be exactly one JSON object of this shape; a response
// that omits it is treated as not-approved so a malformed agent turn blocks
// the run for an operator rather than silently advancing it.
func parseVerdict(content string) verdict {
	var v verdict
	start := lastJSONObjectStart(content)
	if start < 0 {
		return verdict{Approved: false, Summary: "no verdict object found in agent response"}
	}
	if err := json.Unmarshal([]byte(content[start:]), &v); err != nil {
		return verdict{Approved: false, Summary: "could not parse verdict: " + err.Error()}
	}
	return v
}

// lastJSONObjectStart finds the start of the last top-level-looking JSON
// object in s by scanning for the last '{' whose matching close is the
// string's last non-whitespace character.
func lastJSONObjectStart(s string) int {
	trimmed := trimRightSpace(s)
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		return -1
	}
	depth := 0
	for i := len(trimmed) - 1; i >= 0; i-- {
		switch trimmed[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func trimRightSpace(s string) string {
	i := len(s)
	for i > 0 && (s[i-1] == ' ' || s[i-1] == '\n' || s[i-1] == '\t' || s[i-1] == '\r') {
		i--
	}
	return s[:i]
}
