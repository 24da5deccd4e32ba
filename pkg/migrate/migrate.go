// Package migrate applies a statically declared, strictly ordered list of
// schema versions to the embedded sqlite database. See spec §4.2 (C4
// Migration Engine), grounded on
// other_examples/c99ac0fd_houx15-agenterm__internal-db-migrations.go.go,
// extended with down-migrations and a per-version history table to support
// migrate_to/migrate_down/migration_status.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one declared schema version. Up and Down must each be valid
// standalone SQL scripts; Down is required, since reverting a version with
// an empty Down fails. Versions form a sparse monotonic
// list: implementations must not reorder or renumber them once released.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Versions is the full declared migration list, in ascending version order.
var Versions = []Migration{
	{
		Version:     1,
		Description: "create loops, profiles, pools",
		Up: `
CREATE TABLE IF NOT EXISTS loops (
	id TEXT PRIMARY KEY,
	short_id TEXT NOT NULL,
	name TEXT NOT NULL UNIQUE,
	repo_path TEXT NOT NULL,
	profile_id TEXT,
	pool_id TEXT,
	base_prompt TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 0,
	max_runtime_seconds INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	last_run_at TEXT,
	last_exit_code INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	log_path TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loops_repo_path ON loops(repo_path);
CREATE INDEX IF NOT EXISTS idx_loops_pool_id ON loops(pool_id);
CREATE INDEX IF NOT EXISTS idx_loops_state ON loops(state);

CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	harness TEXT NOT NULL DEFAULT '',
	command_template TEXT NOT NULL,
	prompt_mode TEXT NOT NULL DEFAULT 'stdin',
	max_concurrency INTEGER NOT NULL DEFAULT 0,
	cooldown_until TEXT,
	auth_token TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	extra_args TEXT NOT NULL DEFAULT '[]',
	environment TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	is_default INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'active',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_members (
	pool_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (pool_id, profile_id),
	FOREIGN KEY(pool_id) REFERENCES pools(id) ON DELETE CASCADE,
	FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pool_members_pool_position ON pool_members(pool_id, position);
`,
		Down: `
DROP TABLE IF EXISTS pool_members;
DROP TABLE IF EXISTS pools;
DROP TABLE IF EXISTS profiles;
DROP TABLE IF EXISTS loops;
`,
	},
	{
		Version:     2,
		Description: "create loop runs, queue items, kv",
		Up: `
CREATE TABLE IF NOT EXISTS loop_runs (
	id TEXT PRIMARY KEY,
	loop_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER,
	stop_reason TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(loop_id) REFERENCES loops(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_loop_runs_loop_id ON loop_runs(loop_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_loop_runs_profile_status ON loop_runs(profile_id, status);

CREATE TABLE IF NOT EXISTS loop_queue_items (
	id TEXT PRIMARY KEY,
	loop_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	position INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(loop_id) REFERENCES loops(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_loop_queue_items_loop_status_position ON loop_queue_items(loop_id, status, position);

CREATE TABLE IF NOT EXISTS loop_kv (
	loop_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (loop_id, key),
	FOREIGN KEY(loop_id) REFERENCES loops(id) ON DELETE CASCADE
);
`,
		Down: `
DROP TABLE IF EXISTS loop_kv;
DROP TABLE IF EXISTS loop_queue_items;
DROP TABLE IF EXISTS loop_runs;
`,
	},
	{
		Version:     3,
		Description: "create usage accounting tables",
		Up: `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	agent_id TEXT,
	session_id TEXT,
	provider TEXT NOT NULL,
	model TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_cents INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_usage_records_account_recorded ON usage_records(account_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider_recorded ON usage_records(provider, recorded_at);

CREATE TABLE IF NOT EXISTS daily_usage_cache (
	account_id TEXT NOT NULL,
	date TEXT NOT NULL,
	provider TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_cents INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account_id, date, provider)
);
`,
		Down: `
DROP TABLE IF EXISTS daily_usage_cache;
DROP TABLE IF EXISTS usage_records;
`,
	},
	{
		Version:     4,
		Description: "create team tasks and task events",
		Up: `
CREATE TABLE IF NOT EXISTS team_tasks (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 0,
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL,
	assigned_at TEXT,
	started_at TEXT,
	finished_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_team_tasks_team_status ON team_tasks(team_id, status);
CREATE INDEX IF NOT EXISTS idx_team_tasks_assigned_agent ON team_tasks(assigned_agent_id);

CREATE TABLE IF NOT EXISTS team_task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	team_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT,
	actor_agent_id TEXT,
	detail TEXT,
	created_at TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES team_tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_team_task_events_task_id ON team_task_events(task_id);
`,
		Down: `
DROP TABLE IF EXISTS team_task_events;
DROP TABLE IF EXISTS team_tasks;
`,
	},
}

func byVersion(v int) (Migration, bool) {
	for _, m := range Versions {
		if m.Version == v {
			return m, true
		}
	}
	return Migration{}, false
}

func maxVersion() int {
	max := 0
	for _, m := range Versions {
		if m.Version > max {
			max = m.Version
		}
	}
	return max
}

func ensureHistoryTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TEXT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("ensure _migrations table: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied version, or 0 if none.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureHistoryTable(ctx, db); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM _migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// StatusRow is one row of migration_status(): a known version plus whether
// (and when) it has been applied.
type StatusRow struct {
	Version     int
	Description string
	Applied     bool
	AppliedAt   *string
}

// MigrationStatus returns one row per declared version, in ascending order.
func MigrationStatus(ctx context.Context, db *sql.DB) ([]StatusRow, error) {
	if err := ensureHistoryTable(ctx, db); err != nil {
		return nil, err
	}
	applied := map[int]string{}
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		var at string
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration history row: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]StatusRow, 0, len(Versions))
	for _, m := range Versions {
		row := StatusRow{Version: m.Version, Description: m.Description}
		if at, ok := applied[m.Version]; ok {
			row.Applied = true
			at := at
			row.AppliedAt = &at
		}
		out = append(out, row)
	}
	return out, nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration, at string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _migrations (version, description, applied_at) VALUES (?,?,?)`,
		m.Version, m.Description, at); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

func revertOne(ctx context.Context, db *sql.DB, m Migration) error {
	if m.Down == "" {
		return fmt.Errorf("migration %d (%s) has no down step", m.Version, m.Description)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Down); err != nil {
		return fmt.Errorf("revert migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _migrations WHERE version = ?`, m.Version); err != nil {
		return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Up applies every version strictly greater than the current schema
// version, in ascending order, and returns the count applied. Failure mid-
// migration aborts at the version that failed and leaves the previous
// version as current.
func Up(ctx context.Context, db *sql.DB) (int, error) {
	return To(ctx, db, maxVersion())
}

// To moves the schema to target in either direction. target must be a
// declared version or 0.
func To(ctx context.Context, db *sql.DB, target int) (int, error) {
	if target != 0 {
		if _, ok := byVersion(target); !ok {
			return 0, fmt.Errorf("unknown migration target %d", target)
		}
	}
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	if target > current {
		for _, m := range Versions {
			if m.Version <= current || m.Version > target {
				continue
			}
			if err := applyOne(ctx, db, m, nowRFC3339()); err != nil {
				return applied, err
			}
			applied++
		}
		return applied, nil
	}

	for i := len(Versions) - 1; i >= 0; i-- {
		m := Versions[i]
		if m.Version <= target || m.Version > current {
			continue
		}
		if err := revertOne(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Down rolls back the n most-recently-applied versions.
func Down(ctx context.Context, db *sql.DB, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM _migrations ORDER BY version DESC LIMIT ?`, n)
	if err != nil {
		return 0, fmt.Errorf("read applied versions: %w", err)
	}
	var toRevert []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan applied version: %w", err)
		}
		toRevert = append(toRevert, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reverted := 0
	for _, v := range toRevert {
		m, ok := byVersion(v)
		if !ok {
			return reverted, fmt.Errorf("applied version %d is not a declared migration", v)
		}
		if err := revertOne(ctx, db, m); err != nil {
			return reverted, err
		}
		reverted++
	}
	return reverted, nil
}
