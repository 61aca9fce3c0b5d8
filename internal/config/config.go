// Package config loads engine configuration: defaults, optionally overlaid
// by a JSON file, then overlaid by CONDUCTOR_* environment variables
// (spec.md §6), mirroring the reference's LEGATOR_*-prefixed env overlay
// over a Default()/Load(path) pair.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all engine configuration.
type Config struct {
	// DataDir is the root for repos/, worktrees/, locks/ (spec.md §6).
	DataDir string `json:"data_dir"`

	// DatabasePath is the SQLite file backing the relational store.
	DatabasePath string `json:"database_path"`

	// ListenAddr is the conductord HTTP listener (health check, version,
	// MCP SSE transport).
	ListenAddr string `json:"listen_addr"`

	// GitHubToken authenticates the outbox's upstream writer. Empty means
	// unauthenticated, rate-limited requests against public repos.
	GitHubToken string `json:"github_token,omitempty"`

	// GitHubWebhookSecret verifies inbound GitHub webhook deliveries'
	// X-Hub-Signature-256 header. Empty disables signature verification.
	GitHubWebhookSecret string `json:"github_webhook_secret,omitempty"`

	// BrokerURL addresses the queue/pub-sub key-value store. The engine's
	// own job queue and stream bus live in the relational store per
	// spec.md §2/§4; this URL is reserved for a future external broker and
	// is otherwise unused by the in-process implementation.
	BrokerURL string `json:"broker_url,omitempty"`

	// PortRangeStart/PortRangeEnd is the default dev-server port pool;
	// project rows may override this (spec.md §6).
	PortRangeStart int `json:"port_range_start"`
	PortRangeEnd   int `json:"port_range_end"`

	// LeaseTimeoutHours is the janitor's stale-port threshold.
	LeaseTimeoutHours int `json:"lease_timeout_hours"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	Agent    AgentConfig    `json:"agent,omitempty"`
	Mirror   MirrorConfig   `json:"mirror,omitempty"`
	Janitor  JanitorConfig  `json:"janitor,omitempty"`
	Steps    StepsConfig    `json:"steps,omitempty"`
}

// AgentConfig configures the default agent provider and per-agent timeouts
// (spec.md §5's explicit-policy-object resolution of the open question
// about per-agent timeout vs. provider retry/backoff).
type AgentConfig struct {
	Provider          string `json:"provider,omitempty"`
	APIKey            string `json:"api_key,omitempty"`
	Model             string `json:"model,omitempty"`
	PlannerTimeoutMs     int `json:"planner_timeout_ms"`
	ReviewerTimeoutMs    int `json:"reviewer_timeout_ms"`
	ImplementerTimeoutMs int `json:"implementer_timeout_ms"`
	MaxIterations        int `json:"max_iterations"`
}

// MirrorConfig configures comment coalescing and truncation (spec.md §4.8).
type MirrorConfig struct {
	RateLimitWindowSeconds int `json:"rate_limit_window_seconds"`
	MaxCommentChars        int `json:"max_comment_chars"`
	StaleDeferredMinutes   int `json:"stale_deferred_minutes"`
}

// JanitorConfig configures periodic cleanup intervals.
type JanitorConfig struct {
	StreamPruneMaxAgeDays   int `json:"stream_prune_max_age_days"`
	CompletedJobMaxAgeDays  int `json:"completed_job_max_age_days"`
	OutboxStaleMinutes      int `json:"outbox_stale_minutes"`
}

// StepsConfig configures the step pipeline (internal/steps): the fallback
// test command when a repo doesn't configure its own, the bound on
// tester_run_tests' execution time, and the per-phase retry-loop limits
// that keep a stuck plan/review/test cycle from looping forever before
// blocking the run for an operator.
type StepsConfig struct {
	DefaultTestCommand  string `json:"default_test_command"`
	TestTimeoutSeconds  int    `json:"test_timeout_seconds"`
	MaxPlanRevisions    int    `json:"max_plan_revisions"`
	MaxReviewRounds     int    `json:"max_review_rounds"`
	MaxTestFixAttempts  int    `json:"max_test_fix_attempts"`
}

// Default returns configuration with spec.md §6's documented defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:           home + "/.conductor",
		DatabasePath:      home + "/.conductor/conductor.db",
		ListenAddr:        ":8090",
		PortRangeStart:    3100,
		PortRangeEnd:      3199,
		LeaseTimeoutHours: 24,
		LogLevel:          "info",
		Agent: AgentConfig{
			Provider:             "anthropic",
			PlannerTimeoutMs:     300_000,
			ReviewerTimeoutMs:    180_000,
			ImplementerTimeoutMs: 600_000,
			MaxIterations:        50,
		},
		Mirror: MirrorConfig{
			RateLimitWindowSeconds: 30,
			MaxCommentChars:        65_000,
			StaleDeferredMinutes:   15,
		},
		Janitor: JanitorConfig{
			StreamPruneMaxAgeDays:  14,
			CompletedJobMaxAgeDays: 7,
			OutboxStaleMinutes:     5,
		},
		Steps: StepsConfig{
			DefaultTestCommand: "go test ./...",
			TestTimeoutSeconds: 600,
			MaxPlanRevisions:   3,
			MaxReviewRounds:    3,
			MaxTestFixAttempts: 3,
		},
	}
}

// Load reads configuration from a JSON file (if path is non-empty and
// exists), then overlays CONDUCTOR_* environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONDUCTOR_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHubWebhookSecret = v
	}
	if v := os.Getenv("CONDUCTOR_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("CONDUCTOR_PORT_RANGE"); v != "" {
		if start, end, ok := parseRange(v); ok {
			cfg.PortRangeStart, cfg.PortRangeEnd = start, end
		}
	}
	if v := os.Getenv("CONDUCTOR_LEASE_TIMEOUT_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTimeoutHours = n
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_AGENT_PROVIDER"); v != "" {
		cfg.Agent.Provider = v
	}
	if v := os.Getenv("CONDUCTOR_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
}

func parseRange(v string) (start, end int, ok bool) {
	for i := 0; i < len(v); i++ {
		if v[i] != '-' {
			continue
		}
		s, errS := strconv.Atoi(v[:i])
		e, errE := strconv.Atoi(v[i+1:])
		if errS != nil || errE != nil {
			return 0, 0, false
		}
		return s, e, true
	}
	return 0, 0, false
}
