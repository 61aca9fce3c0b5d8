// Package worktree manages per-run isolated git worktrees and port leases
// (spec.md §4.10). It has no direct teacher analogue — legator never checks
// out source trees — so the clone-directory guard is new code written in
// the teacher's idiom (small pure helpers, a typed store over *storage.DB,
// errors.New sentinels with Is* predicates).
package worktree

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/storage"
)

// Status values for Worktree.Status.
const (
	StatusActive    = "active"
	StatusDestroyed = "destroyed"
)

// DefaultPortLeaseTTL is the lease window granted by AllocatePort.
const DefaultPortLeaseTTL = 24 * time.Hour

var (
	// ErrNoPortsAvailable is returned when a project's port range is exhausted.
	ErrNoPortsAvailable = errors.New("worktree: no_ports_available")
	// ErrInvalidBranch is returned for a ref name that fails git's naming rules.
	ErrInvalidBranch = errors.New("worktree: invalid branch name")
	// ErrNotFound is returned when a lookup finds no row.
	ErrNotFound = errors.New("worktree: not found")
)

// IsNoPortsAvailable reports whether err is (or wraps) ErrNoPortsAvailable.
func IsNoPortsAvailable(err error) bool { return errors.Is(err, ErrNoPortsAvailable) }

// IsInvalidBranch reports whether err is (or wraps) ErrInvalidBranch.
func IsInvalidBranch(err error) bool { return errors.Is(err, ErrInvalidBranch) }

// Worktree is one row of the worktrees table.
type Worktree struct {
	ID              string
	RunID           string
	ProjectID       string
	RepoID          string
	Path            string
	Branch          string
	BaseBranch      string
	BaseCommit      string
	Status          string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	DestroyedAt     *time.Time
}

// PortLease is one row of the port_leases table.
type PortLease struct {
	ID         string
	ProjectID  string
	WorktreeID string
	Port       int
	Purpose    string
	IsActive   bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Manager owns worktree and port-lease lifecycle under dataDir.
type Manager struct {
	db      *storage.DB
	dataDir string
	git     gitRunner
}

// New constructs a Manager rooted at dataDir (spec.md §6's on-disk layout).
func New(db *storage.DB, dataDir string) *Manager {
	return &Manager{db: db, dataDir: dataDir, git: execGit{}}
}

func (m *Manager) reposDir() string     { return filepath.Join(m.dataDir, "repos") }
func (m *Manager) worktreesDir() string { return filepath.Join(m.dataDir, "worktrees") }
func (m *Manager) locksDir() string     { return filepath.Join(m.dataDir, "locks") }

// branchName is the deterministic branch created for a run (spec.md §4.6).
func branchName(runID string) string { return "conductor/run-" + runID }

// refNameDisallowed matches characters git ref rules forbid anywhere in a
// ref component (spec.md §4.10).
var refNameDisallowed = regexp.MustCompile(`\.\.|//|@\{|[~^:?*\[\]\\\x00-\x1f\x7f]`)

// ValidateBranchName enforces spec.md §4.10's git ref rules.
func ValidateBranchName(name string) error {
	if name == "" || len(name) > 250 {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, name)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q starts with - or .", ErrInvalidBranch, name)
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: %q ends with . or .lock", ErrInvalidBranch, name)
	}
	if refNameDisallowed.MatchString(name) {
		return fmt.Errorf("%w: %q contains a disallowed sequence", ErrInvalidBranch, name)
	}
	return nil
}

// ResolveBaseBranch implements spec.md §4.10's precedence: explicit
// override, then the repo's recorded default branch, then (if a clone path
// is known) inspection of the clone preferring main over master, then the
// literal fallback "main".
func ResolveBaseBranch(explicit, repoDefaultBranch, clonePath string) string {
	if explicit != "" {
		return explicit
	}
	if repoDefaultBranch != "" {
		return repoDefaultBranch
	}
	if clonePath != "" {
		if hasLocalBranch(clonePath, "main") {
			return "main"
		}
		if hasLocalBranch(clonePath, "master") {
			return "master"
		}
	}
	return "main"
}

func hasLocalBranch(clonePath, branch string) bool {
	cmd := exec.Command("git", "-C", clonePath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return cmd.Run() == nil
}

// CloneOrFetchResult is the outcome of CloneOrFetchRepo.
type CloneOrFetchResult struct {
	ClonePath  string
	WasExisting bool
}

// CloneOrFetchRepo clones remoteURL into <dataDir>/repos/<projectID>/<repoID>
// if it doesn't exist, or fetches it if it does, guarded by a filesystem
// lock keyed on repoID so concurrent runs against the same repo serialize
// (spec.md §4.10). The lock is always released, even on error.
func (m *Manager) CloneOrFetchRepo(projectID, repoID, remoteURL string) (CloneOrFetchResult, error) {
	if err := os.MkdirAll(m.locksDir(), 0o755); err != nil {
		return CloneOrFetchResult{}, fmt.Errorf("create locks dir: %w", err)
	}
	lockPath := filepath.Join(m.locksDir(), fmt.Sprintf("clone-%s.lock", repoID))
	unlock, err := acquireFileLock(lockPath)
	if err != nil {
		return CloneOrFetchResult{}, fmt.Errorf("acquire clone lock: %w", err)
	}
	defer unlock()

	clonePath := filepath.Join(m.reposDir(), projectID, repoID)
	if _, err := os.Stat(clonePath); err == nil {
		if err := m.git.Run(clonePath, "fetch", "--all", "--prune"); err != nil {
			return CloneOrFetchResult{}, fmt.Errorf("fetch %s: %w", repoID, err)
		}
		return CloneOrFetchResult{ClonePath: clonePath, WasExisting: true}, nil
	} else if !os.IsNotExist(err) {
		return CloneOrFetchResult{}, fmt.Errorf("stat clone path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(clonePath), 0o755); err != nil {
		return CloneOrFetchResult{}, fmt.Errorf("create repo parent dir: %w", err)
	}
	if err := m.git.Run("", "clone", remoteURL, clonePath); err != nil {
		return CloneOrFetchResult{}, fmt.Errorf("clone %s: %w", repoID, err)
	}
	return CloneOrFetchResult{ClonePath: clonePath, WasExisting: false}, nil
}

// CreateParams is the input to CreateWorktree.
type CreateParams struct {
	RunID      string
	ProjectID  string
	RepoID     string
	ClonePath  string
	BaseBranch string
}

// CreateWorktree is idempotent: it returns the existing active worktree row
// for the run if one exists, otherwise it adds a fresh git worktree checked
// out onto a new branch based on the resolved base branch (spec.md §4.10).
func (m *Manager) CreateWorktree(p CreateParams) (Worktree, error) {
	if existing, ok, err := m.activeByRun(p.RunID); err != nil {
		return Worktree{}, err
	} else if ok {
		return existing, nil
	}

	branch := branchName(p.RunID)
	if err := ValidateBranchName(p.BaseBranch); err != nil {
		return Worktree{}, err
	}

	path := filepath.Join(m.worktreesDir(), p.RunID)
	if err := os.MkdirAll(m.worktreesDir(), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktrees dir: %w", err)
	}

	baseCommit, err := m.git.Output(p.ClonePath, "rev-parse", p.BaseBranch)
	if err != nil {
		return Worktree{}, fmt.Errorf("resolve base branch %s: %w", p.BaseBranch, err)
	}
	baseCommit = strings.TrimSpace(baseCommit)

	if err := m.git.Run(p.ClonePath, "worktree", "add", "-b", branch, path, baseCommit); err != nil {
		return Worktree{}, fmt.Errorf("add worktree: %w", err)
	}

	now := storage.Now()
	wt := Worktree{
		ID:         conductorids.New(conductorids.KindWorktree),
		RunID:      p.RunID,
		ProjectID:  p.ProjectID,
		RepoID:     p.RepoID,
		Path:       path,
		Branch:     branch,
		BaseBranch: p.BaseBranch,
		BaseCommit: baseCommit,
		Status:     StatusActive,
		CreatedAt:  now,
	}

	_, err = m.db.Exec(
		`INSERT INTO worktrees (id, run_id, project_id, repo_id, path, branch, base_branch, base_commit, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID, wt.RunID, wt.ProjectID, wt.RepoID, wt.Path, wt.Branch, wt.BaseBranch, wt.BaseCommit, wt.Status,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if existing, ok, lookupErr := m.activeByRun(p.RunID); lookupErr == nil && ok {
			return existing, nil
		}
		return Worktree{}, fmt.Errorf("insert worktree row: %w", err)
	}
	return wt, nil
}

// Destroy removes a worktree's on-disk checkout and marks the row
// destroyed. Idempotent: destroying an already-destroyed worktree is a
// no-op (spec.md §3's worktree lifecycle).
func (m *Manager) Destroy(worktreeID string) error {
	wt, err := m.byID(worktreeID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wt.Status == StatusDestroyed {
		return nil
	}

	clonePath := filepath.Join(m.reposDir(), wt.ProjectID, wt.RepoID)
	_ = m.git.Run(clonePath, "worktree", "remove", "--force", wt.Path)
	_ = os.RemoveAll(wt.Path)

	if err := m.ReleaseWorktreePorts(worktreeID); err != nil {
		return err
	}

	now := storage.Now().Format(time.RFC3339Nano)
	_, err = m.db.Exec(`UPDATE worktrees SET status = ?, destroyed_at = ? WHERE id = ?`, StatusDestroyed, now, worktreeID)
	return err
}

// UpdateHeartbeat bumps last_heartbeat_at for worktreeID.
func (m *Manager) UpdateHeartbeat(worktreeID string) error {
	_, err := m.db.Exec(`UPDATE worktrees SET last_heartbeat_at = ? WHERE id = ?`, storage.Now().Format(time.RFC3339Nano), worktreeID)
	return err
}

// AllocatePort scans [portRangeStart, portRangeEnd] for the lowest port not
// currently leased (is_active=1) for projectID, leases it for
// DefaultPortLeaseTTL, and returns the new lease (spec.md §4.10).
func (m *Manager) AllocatePort(projectID, worktreeID, purpose string, portRangeStart, portRangeEnd int) (PortLease, error) {
	rows, err := m.db.Query(`SELECT port FROM port_leases WHERE project_id = ? AND is_active = 1`, projectID)
	if err != nil {
		return PortLease{}, fmt.Errorf("list active ports: %w", err)
	}
	used := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return PortLease{}, err
		}
		used[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PortLease{}, err
	}

	for port := portRangeStart; port <= portRangeEnd; port++ {
		if used[port] {
			continue
		}
		now := storage.Now()
		lease := PortLease{
			ID:         conductorids.New(conductorids.KindPortLease),
			ProjectID:  projectID,
			WorktreeID: worktreeID,
			Port:       port,
			Purpose:    purpose,
			IsActive:   true,
			ExpiresAt:  now.Add(DefaultPortLeaseTTL),
			CreatedAt:  now,
		}
		_, err := m.db.Exec(
			`INSERT INTO port_leases (id, project_id, worktree_id, port, purpose, is_active, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			lease.ID, lease.ProjectID, lease.WorktreeID, lease.Port, lease.Purpose,
			lease.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			// Another allocator may have taken this exact port between our
			// scan and insert; the unique partial index rejects the
			// collision — try the next candidate port.
			continue
		}
		return lease, nil
	}
	return PortLease{}, ErrNoPortsAvailable
}

// ReleasePort marks a lease inactive. Idempotent.
func (m *Manager) ReleasePort(leaseID string) error {
	_, err := m.db.Exec(`UPDATE port_leases SET is_active = 0 WHERE id = ?`, leaseID)
	return err
}

// ReleaseWorktreePorts releases all active leases owned by worktreeID.
func (m *Manager) ReleaseWorktreePorts(worktreeID string) error {
	_, err := m.db.Exec(`UPDATE port_leases SET is_active = 0 WHERE worktree_id = ? AND is_active = 1`, worktreeID)
	return err
}

// ReleaseExpiredPortLeases deactivates every active lease whose expiry has
// passed, returning the count released.
func (m *Manager) ReleaseExpiredPortLeases(now time.Time) (int64, error) {
	res, err := m.db.Exec(`UPDATE port_leases SET is_active = 0 WHERE is_active = 1 AND expires_at < ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("release expired port leases: %w", err)
	}
	return res.RowsAffected()
}

// Janitor periodically reconciles worktree rows against the filesystem
// (spec.md §4.10's janitor responsibilities).
type Janitor struct {
	m             *Manager
	leaseTimeout  time.Duration
}

// NewJanitor constructs a Janitor using leaseTimeout as the stale-port
// threshold (CONDUCTOR_LEASE_TIMEOUT_HOURS).
func NewJanitor(m *Manager, leaseTimeout time.Duration) *Janitor {
	return &Janitor{m: m, leaseTimeout: leaseTimeout}
}

// Run performs one sweep: (1) marks destroyed any worktree whose path no
// longer exists on disk and releases its ports, (2) removes orphaned
// on-disk directories with no matching active row, (3) releases port
// leases past the configured timeout.
func (j *Janitor) Run() error {
	active, err := j.m.listByStatus(StatusActive)
	if err != nil {
		return fmt.Errorf("list active worktrees: %w", err)
	}
	known := map[string]bool{}
	for _, wt := range active {
		known[wt.ID] = true
		if _, statErr := os.Stat(wt.Path); os.IsNotExist(statErr) {
			if err := j.m.ReleaseWorktreePorts(wt.ID); err != nil {
				return err
			}
			now := storage.Now().Format(time.RFC3339Nano)
			if _, err := j.m.db.Exec(`UPDATE worktrees SET status = ?, destroyed_at = ? WHERE id = ?`, StatusDestroyed, now, wt.ID); err != nil {
				return fmt.Errorf("mark missing worktree destroyed: %w", err)
			}
		}
	}

	entries, err := os.ReadDir(j.m.worktreesDir())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read worktrees dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if hasActiveForRun(active, runID) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(j.m.worktreesDir(), runID))
	}

	cutoff := storage.Now().Add(-j.leaseTimeout)
	if _, err := j.m.ReleaseExpiredPortLeases(cutoff); err != nil {
		return err
	}
	return nil
}

func hasActiveForRun(active []Worktree, runID string) bool {
	for _, wt := range active {
		if wt.RunID == runID {
			return true
		}
	}
	return false
}

// ActiveByRun returns the active worktree for runID, if any.
func (m *Manager) ActiveByRun(runID string) (Worktree, bool, error) {
	return m.activeByRun(runID)
}

func (m *Manager) activeByRun(runID string) (Worktree, bool, error) {
	row := m.db.QueryRow(worktreeSelect+` WHERE run_id = ? AND status = ?`, runID, StatusActive)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worktree{}, false, nil
	}
	if err != nil {
		return Worktree{}, false, err
	}
	return wt, true, nil
}

func (m *Manager) byID(id string) (Worktree, error) {
	row := m.db.QueryRow(worktreeSelect+` WHERE id = ?`, id)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worktree{}, ErrNotFound
	}
	return wt, err
}

func (m *Manager) listByStatus(status string) ([]Worktree, error) {
	rows, err := m.db.Query(worktreeSelect+` WHERE status = ?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

const worktreeSelect = `SELECT id, run_id, project_id, repo_id, path, branch, base_branch,
	base_commit, status, last_heartbeat_at, created_at, destroyed_at FROM worktrees`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorktree(s rowScanner) (Worktree, error) {
	var (
		wt                             Worktree
		lastHeartbeat, destroyedAt     sql.NullString
		createdAt                      string
	)
	if err := s.Scan(&wt.ID, &wt.RunID, &wt.ProjectID, &wt.RepoID, &wt.Path, &wt.Branch, &wt.BaseBranch,
		&wt.BaseCommit, &wt.Status, &lastHeartbeat, &createdAt, &destroyedAt); err != nil {
		return Worktree{}, err
	}
	wt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastHeartbeat.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastHeartbeat.String)
		wt.LastHeartbeatAt = &t
	}
	if destroyedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, destroyedAt.String)
		wt.DestroyedAt = &t
	}
	return wt, nil
}

// gitRunner abstracts git subprocess invocation so tests can stub it out
// without a real repository.
type gitRunner interface {
	Run(dir string, args ...string) error
	Output(dir string, args ...string) (string, error)
}

type execGit struct{}

func (execGit) Run(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execGit) Output(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// acquireFileLock takes an exclusive advisory lock on path, creating it if
// necessary, and returns a function that releases it.
func acquireFileLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
