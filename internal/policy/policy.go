// Package policy implements the tool-invocation policy rule registry
// (spec.md §4.7), grounded in the reference's controlplane/policy/store.go
// (PersistentStore wrapping an in-memory Store, JSON-serialized list
// columns) generalized from capability-level templates to ordered
// tool-call allow/block rules, and in internal/engine's sequential
// first-blocking-rule-wins evaluation shape.
package policy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/storage"
	"gopkg.in/yaml.v3"
)

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Built-in policy kinds (spec.md §4.7).
const (
	KindWorktreeBoundary   = "worktree_boundary"
	KindDotGitProtection   = "dotgit_protection"
	KindSensitiveFileWrite = "sensitive_file_write"
	KindShellInjection     = "shell_injection"
)

// DefaultPolicySetID is used when callers don't scope rules to a
// project-specific set.
const DefaultPolicySetID = "default"

// Decision is the outcome of evaluating one rule against one tool call.
type Decision struct {
	Allowed  bool
	PolicyID string
	Reason   string
}

// EvalContext carries the information built-in rules need to judge a tool
// call (spec.md §4.7 "execution context").
type EvalContext struct {
	RunID         string
	InvocationID  string
	WorktreePath  string
	ProjectID     string
}

// Rule maps (toolName, input, context) to a decision. First blocking rule
// in registration order wins (spec.md §4.7).
type Rule struct {
	ID       string
	Kind     string
	Name     string
	Evaluate func(toolName string, input map[string]any, ctx EvalContext) (blocked bool, reason string)
}

// Engine holds the ordered set of active rules for one policy set.
type Engine struct {
	rules []Rule
}

// NewEngine constructs an Engine over an explicit rule list, in evaluation
// order.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Check evaluates every active rule in order; the first blocking rule wins
// (spec.md §4.7 step 5). A nil Engine (no rules configured) always allows.
func (e *Engine) Check(toolName string, input map[string]any, ctx EvalContext) Decision {
	if e == nil {
		return Decision{Allowed: true}
	}
	for _, r := range e.rules {
		if blocked, reason := r.Evaluate(toolName, input, ctx); blocked {
			return Decision{Allowed: false, PolicyID: r.ID, Reason: reason}
		}
	}
	return Decision{Allowed: true}
}

// builtinDefinitions is the compiled-in default rule set, seeded into
// policy_rules for every policy set that has none yet.
func builtinDefinitions() []Rule {
	return []Rule{
		{ID: KindWorktreeBoundary, Kind: KindWorktreeBoundary, Name: "worktree boundary", Evaluate: evalWorktreeBoundary},
		{ID: KindDotGitProtection, Kind: KindDotGitProtection, Name: ".git protection", Evaluate: evalDotGitProtection},
		{ID: KindSensitiveFileWrite, Kind: KindSensitiveFileWrite, Name: "sensitive file write", Evaluate: evalSensitiveFileWrite},
		{ID: KindShellInjection, Kind: KindShellInjection, Name: "shell injection heuristic", Evaluate: evalShellInjection},
	}
}

// pathArg extracts the conventional "path"/"file_path" string argument a
// filesystem tool call carries, if any.
func pathArg(input map[string]any) (string, bool) {
	for _, key := range []string{"path", "file_path", "filePath"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func evalWorktreeBoundary(_ string, input map[string]any, ctx EvalContext) (bool, string) {
	p, ok := pathArg(input)
	if !ok || ctx.WorktreePath == "" {
		return false, ""
	}
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(ctx.WorktreePath, resolved)
	}
	resolved = filepath.Clean(resolved)
	boundary := filepath.Clean(ctx.WorktreePath)
	if resolved != boundary && !strings.HasPrefix(resolved, boundary+string(filepath.Separator)) {
		return true, fmt.Sprintf("path %q resolves outside the worktree", p)
	}
	return false, ""
}

func evalDotGitProtection(_ string, input map[string]any, _ EvalContext) (bool, string) {
	p, ok := pathArg(input)
	if !ok {
		return false, ""
	}
	cleaned := filepath.ToSlash(filepath.Clean(p))
	if cleaned == ".git" || strings.HasPrefix(cleaned, ".git/") || strings.Contains(cleaned, "/.git/") {
		return true, "writes under .git/ are not permitted"
	}
	return false, ""
}

var sensitiveFileNames = []string{".env", ".pem", "credentials.json", "id_rsa", ".npmrc", ".netrc"}

func evalSensitiveFileWrite(_ string, input map[string]any, _ EvalContext) (bool, string) {
	p, ok := pathArg(input)
	if !ok {
		return false, ""
	}
	base := filepath.Base(p)
	for _, name := range sensitiveFileNames {
		if base == name || strings.HasSuffix(base, name) {
			return true, fmt.Sprintf("writes to %q are blocked by the sensitive-file policy", base)
		}
	}
	return false, ""
}

var shellDangerPattern = regexp.MustCompile(`(?:;|&&|\|\||\$\(|` + "`" + `)\s*(?:rm\s+-rf|curl|wget|nc\s)|>\s*/dev/sd`)

func evalShellInjection(toolName string, input map[string]any, _ EvalContext) (bool, string) {
	if !strings.Contains(strings.ToLower(toolName), "shell") && !strings.Contains(strings.ToLower(toolName), "exec") {
		return false, ""
	}
	cmd, _ := input["command"].(string)
	if cmd == "" {
		return false, ""
	}
	if shellDangerPattern.MatchString(cmd) {
		return true, "command matches a shell-injection heuristic"
	}
	return false, ""
}

// Store persists policy_rules rows and builds Engine instances from them.
type Store struct {
	db *storage.DB
}

// NewStore constructs a Store over db.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// SeedDefaults idempotently inserts the compiled-in built-in rules for
// policySetID if that set has no rows yet. Safe to call on every startup.
func (s *Store) SeedDefaults(policySetID string) error {
	if policySetID == "" {
		policySetID = DefaultPolicySetID
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM policy_rules WHERE policy_set_id = ?`, policySetID).Scan(&count); err != nil {
		return fmt.Errorf("count policy rules: %w", err)
	}
	if count > 0 {
		return nil
	}

	now := storage.Now().Format("2006-01-02T15:04:05.999999999Z07:00")
	for _, r := range builtinDefinitions() {
		cfg, _ := json.Marshal(map[string]any{})
		_, err := s.db.Exec(
			`INSERT INTO policy_rules (id, policy_set_id, name, kind, config, enabled, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			conductorids.New(conductorids.KindPolicyRule), policySetID, r.Name, r.Kind, string(cfg), now, now,
		)
		if err != nil {
			return fmt.Errorf("seed policy rule %s: %w", r.Kind, err)
		}
	}
	return nil
}

// LoadEngine builds an Engine from the enabled policy_rules rows for
// policySetID, resolving each row's kind against the compiled-in
// implementation. Unknown kinds (e.g. future operator-authored rules not
// yet backed by Go code) are skipped rather than failing the whole load.
func (s *Store) LoadEngine(policySetID string) (*Engine, error) {
	if policySetID == "" {
		policySetID = DefaultPolicySetID
	}
	rows, err := s.db.Query(`SELECT id, kind FROM policy_rules WHERE policy_set_id = ? AND enabled = 1 ORDER BY created_at ASC`, policySetID)
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	defer rows.Close()

	byKind := map[string]Rule{}
	for _, r := range builtinDefinitions() {
		byKind[r.Kind] = r
	}

	var active []Rule
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		builtin, ok := byKind[kind]
		if !ok {
			continue
		}
		active = append(active, Rule{ID: id, Kind: kind, Name: builtin.Name, Evaluate: builtin.Evaluate})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewEngine(active), nil
}

// manifest is the YAML shape for operator-supplied rule overrides
// (SPEC_FULL.md's supplemented "policy rule seeding from a YAML manifest").
type manifest struct {
	PolicySetID string `yaml:"policySetId"`
	Rules       []struct {
		Kind    string `yaml:"kind"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"rules"`
}

// LoadManifest reads a YAML policy manifest and enables/disables the named
// built-in kinds for its policy set, inserting rows for kinds not yet
// present. Unknown kinds are rejected: operators can only toggle rules this
// engine actually implements.
func (s *Store) LoadManifest(data []byte) error {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse policy manifest: %w", err)
	}
	setID := m.PolicySetID
	if setID == "" {
		setID = DefaultPolicySetID
	}

	byKind := map[string]Rule{}
	for _, r := range builtinDefinitions() {
		byKind[r.Kind] = r
	}

	for _, entry := range m.Rules {
		builtin, ok := byKind[entry.Kind]
		if !ok {
			return fmt.Errorf("policy manifest: unknown rule kind %q", entry.Kind)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		if err := s.upsertRule(setID, builtin, enabled); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertRule(policySetID string, r Rule, enabled bool) error {
	var id string
	err := s.db.QueryRow(`SELECT id FROM policy_rules WHERE policy_set_id = ? AND kind = ?`, policySetID, r.Kind).Scan(&id)
	now := storage.Now().Format("2006-01-02T15:04:05.999999999Z07:00")
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	if err == sql.ErrNoRows {
		_, err := s.db.Exec(
			`INSERT INTO policy_rules (id, policy_set_id, name, kind, config, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, '{}', ?, ?, ?)`,
			conductorids.New(conductorids.KindPolicyRule), policySetID, r.Name, r.Kind, enabledInt, now, now,
		)
		return err
	}
	if err != nil {
		return fmt.Errorf("lookup policy rule: %w", err)
	}
	_, err = s.db.Exec(`UPDATE policy_rules SET enabled = ?, updated_at = ? WHERE id = ?`, enabledInt, now, id)
	return err
}
