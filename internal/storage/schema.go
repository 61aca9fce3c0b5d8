package storage

// schemaDDL creates every table in the engine's data model (spec.md §3) if
// missing. Additive schema changes after first release go through
// ensureColumn, not edits to these CREATE TABLE statements.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL REFERENCES users(id),
	org_installation_id   TEXT NOT NULL DEFAULT '',
	port_start            INTEGER NOT NULL DEFAULT 3100,
	port_end              INTEGER NOT NULL DEFAULT 3199,
	default_policy_set_id TEXT NOT NULL DEFAULT '',
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS repos (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	upstream_node_id TEXT NOT NULL,
	default_branch   TEXT NOT NULL DEFAULT '',
	clone_path       TEXT NOT NULL DEFAULT '',
	remote_url       TEXT NOT NULL DEFAULT '',
	test_command     TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	repo_id          TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	upstream_node_id TEXT NOT NULL UNIQUE,
	title            TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL DEFAULT 'open',
	active_run_id    TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	project_id          TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	repo_id             TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	policy_set_id       TEXT NOT NULL DEFAULT '',
	run_number          INTEGER NOT NULL,
	phase               TEXT NOT NULL DEFAULT 'pending',
	step                TEXT NOT NULL DEFAULT '',
	base_branch         TEXT NOT NULL,
	branch              TEXT NOT NULL DEFAULT '',
	next_sequence       INTEGER NOT NULL DEFAULT 1,
	last_event_sequence INTEGER NOT NULL DEFAULT 0,
	paused_at           TEXT,
	blocked_reason      TEXT NOT NULL DEFAULT '',
	blocked_context     TEXT NOT NULL DEFAULT '{}',
	plan_revisions      INTEGER NOT NULL DEFAULT 0,
	test_fix_attempts   INTEGER NOT NULL DEFAULT 0,
	review_rounds       INTEGER NOT NULL DEFAULT 0,
	pr_url              TEXT NOT NULL DEFAULT '',
	pr_number           INTEGER,
	pr_state            TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	completed_at        TEXT,
	UNIQUE(task_id, run_number)
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_project_phase ON runs(project_id, phase);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	run_id          TEXT REFERENCES runs(id) ON DELETE CASCADE,
	type            TEXT NOT NULL,
	class           TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	sequence        INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL UNIQUE,
	source          TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, sequence);

CREATE TABLE IF NOT EXISTS artifacts (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	type              TEXT NOT NULL,
	version           INTEGER NOT NULL DEFAULT 1,
	content           TEXT NOT NULL DEFAULT '',
	checksum          TEXT NOT NULL DEFAULT '',
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run_type ON artifacts(run_id, type);

CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	queue           TEXT NOT NULL,
	job_type        TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'queued',
	priority        INTEGER NOT NULL DEFAULT 0,
	claimed_by      TEXT NOT NULL DEFAULT '',
	claimed_at      TEXT,
	lease_expires_at TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	last_error      TEXT NOT NULL DEFAULT '',
	next_retry_at   TEXT,
	run_id          TEXT,
	project_id      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_retry ON jobs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS agent_invocations (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	agent_type    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	tokens_input  INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_invocations_run ON agent_invocations(run_id);

CREATE TABLE IF NOT EXISTS agent_messages (
	id                 TEXT PRIMARY KEY,
	invocation_id      TEXT NOT NULL REFERENCES agent_invocations(id) ON DELETE CASCADE,
	turn_index         INTEGER NOT NULL,
	role               TEXT NOT NULL,
	content            TEXT NOT NULL DEFAULT '',
	content_size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	UNIQUE(invocation_id, turn_index)
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id              TEXT PRIMARY KEY,
	invocation_id   TEXT NOT NULL REFERENCES agent_invocations(id) ON DELETE CASCADE,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tool_name       TEXT NOT NULL,
	args_redacted   TEXT NOT NULL DEFAULT '{}',
	payload_hash    TEXT NOT NULL DEFAULT '',
	policy_decision TEXT NOT NULL DEFAULT '',
	policy_id       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'started',
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_run ON tool_invocations(run_id);

CREATE TABLE IF NOT EXISTS operator_actions (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	action             TEXT NOT NULL,
	actor_id           TEXT NOT NULL,
	actor_type         TEXT NOT NULL,
	actor_display_name TEXT NOT NULL DEFAULT '',
	comment            TEXT NOT NULL DEFAULT '',
	from_phase         TEXT NOT NULL DEFAULT '',
	to_phase           TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operator_actions_run ON operator_actions(run_id);

CREATE TABLE IF NOT EXISTS github_writes (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	target_node_id  TEXT NOT NULL DEFAULT '',
	target_type     TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL DEFAULT '{}',
	payload_hash    TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'queued',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	sent_at         TEXT,
	upstream_id     TEXT NOT NULL DEFAULT '',
	upstream_url    TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_github_writes_claim ON github_writes(status, created_at);
CREATE INDEX IF NOT EXISTS idx_github_writes_run ON github_writes(run_id, kind);

CREATE TABLE IF NOT EXISTS mirror_deferred_events (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idempotency_key TEXT NOT NULL UNIQUE,
	summary         TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mirror_deferred_run ON mirror_deferred_events(run_id, created_at);

CREATE TABLE IF NOT EXISTS stream_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	project_id TEXT NOT NULL,
	run_id     TEXT,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_events_project ON stream_events(project_id, id);

CREATE TABLE IF NOT EXISTS worktrees (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
	project_id         TEXT NOT NULL,
	repo_id            TEXT NOT NULL,
	path               TEXT NOT NULL,
	branch             TEXT NOT NULL,
	base_branch        TEXT NOT NULL,
	base_commit        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'active',
	last_heartbeat_at  TEXT,
	created_at         TEXT NOT NULL,
	destroyed_at       TEXT
);

CREATE TABLE IF NOT EXISTS port_leases (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	worktree_id TEXT NOT NULL REFERENCES worktrees(id) ON DELETE CASCADE,
	port        INTEGER NOT NULL,
	purpose     TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 1,
	expires_at  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_port_leases_active ON port_leases(project_id, port) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_port_leases_worktree ON port_leases(worktree_id);

CREATE TABLE IF NOT EXISTS policy_rules (
	id            TEXT PRIMARY KEY,
	policy_set_id TEXT NOT NULL DEFAULT 'default',
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	config        TEXT NOT NULL DEFAULT '{}',
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_rules_set ON policy_rules(policy_set_id, enabled);
`
