package worktree

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/conductor/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{"main", "conductor/run-abc123", "feature/x"}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}

	invalid := []string{"", "-bad", ".bad", "bad.", "bad.lock", "a..b", "a//b", "a@{b", "a~b", "a^b", "a:b", "a?b", "a*b", "a[b", "a]b"}
	for _, name := range invalid {
		if err := ValidateBranchName(name); err == nil {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestResolveBaseBranch(t *testing.T) {
	if got := ResolveBaseBranch("develop", "main", ""); got != "develop" {
		t.Fatalf("explicit override should win, got %q", got)
	}
	if got := ResolveBaseBranch("", "trunk", ""); got != "trunk" {
		t.Fatalf("repo default should be used, got %q", got)
	}
	if got := ResolveBaseBranch("", "", ""); got != "main" {
		t.Fatalf("fallback should be main, got %q", got)
	}
}

func TestAllocateAndReleasePort(t *testing.T) {
	db := openTestDB(t)
	m := New(db, t.TempDir())

	lease, err := m.AllocatePort("proj1", "wt1", "dev-server", 3100, 3100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lease.Port != 3100 {
		t.Fatalf("expected port 3100, got %d", lease.Port)
	}

	if _, err := m.AllocatePort("proj1", "wt2", "dev-server", 3100, 3100); !IsNoPortsAvailable(err) {
		t.Fatalf("expected no_ports_available, got %v", err)
	}

	if err := m.ReleasePort(lease.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.AllocatePort("proj1", "wt2", "dev-server", 3100, 3100); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}

func TestReleaseExpiredPortLeases(t *testing.T) {
	db := openTestDB(t)
	m := New(db, t.TempDir())

	lease, err := m.AllocatePort("proj1", "wt1", "dev-server", 4000, 4000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE port_leases SET expires_at = ? WHERE id = ?`, past, lease.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := m.ReleaseExpiredPortLeases(time.Now().UTC())
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released lease, got %d", n)
	}

	if _, err := m.AllocatePort("proj1", "wt2", "dev-server", 4000, 4000); err != nil {
		t.Fatalf("allocate after expiry release: %v", err)
	}
}

func TestReleaseWorktreePorts(t *testing.T) {
	db := openTestDB(t)
	m := New(db, t.TempDir())

	if _, err := m.AllocatePort("proj1", "wt1", "a", 5000, 5001); err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	if _, err := m.AllocatePort("proj1", "wt1", "b", 5000, 5001); err != nil {
		t.Fatalf("allocate b: %v", err)
	}

	if err := m.ReleaseWorktreePorts("wt1"); err != nil {
		t.Fatalf("release worktree ports: %v", err)
	}

	var active int
	if err := db.QueryRow(`SELECT COUNT(*) FROM port_leases WHERE worktree_id = ? AND is_active = 1`, "wt1").Scan(&active); err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected 0 active leases after release, got %d", active)
	}
}
