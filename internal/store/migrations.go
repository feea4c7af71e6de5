package store

import (
	"fmt"
)

// migrate applies the versioned schema steps (migrateV1, migrateV2) in order. Each step is idempotent so startup
// is safe to repeat against an existing database.
func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid        TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL UNIQUE,
		repo_dir    TEXT NOT NULL,
		origin_url  TEXT,
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid               TEXT NOT NULL UNIQUE,
		project_id         INTEGER REFERENCES projects(id),
		parent_id          INTEGER REFERENCES tasks(id),
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'pending',
		priority           INTEGER NOT NULL DEFAULT 0,
		position           INTEGER NOT NULL DEFAULT 0,
		complexity         TEXT,
		recommended_model  TEXT,
		active_session_id  INTEGER,
		metadata           TEXT NOT NULL DEFAULT '{}',
		created_at         INTEGER NOT NULL,
		started_at         INTEGER,
		completed_at       INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_position_priority ON tasks(status, position, priority);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid               TEXT NOT NULL UNIQUE,
		task_id            INTEGER NOT NULL REFERENCES tasks(id),
		worktree_path      TEXT NOT NULL DEFAULT '',
		model              TEXT,
		status             TEXT NOT NULL DEFAULT 'created',
		turn_count         INTEGER NOT NULL DEFAULT 0,
		stdout_path        TEXT,
		stderr_path        TEXT,
		pid                INTEGER,
		exit_code          INTEGER,
		claude_session_id  TEXT,
		artifacts          TEXT NOT NULL DEFAULT '{}',
		created_at         INTEGER NOT NULL,
		started_at         INTEGER,
		completed_at       INTEGER,
		last_heartbeat_at  INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_task_status ON sessions(task_id, status);

	CREATE TABLE IF NOT EXISTS comments (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid        TEXT NOT NULL UNIQUE,
		task_id     INTEGER NOT NULL REFERENCES tasks(id),
		content     TEXT NOT NULL,
		author      TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);

	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid         TEXT NOT NULL UNIQUE,
		event_type   TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		payload      TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

	CREATE TABLE IF NOT EXISTS rate_limits (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		tier        TEXT NOT NULL DEFAULT 'unknown',
		used        INTEGER NOT NULL DEFAULT 0,
		limit_value INTEGER NOT NULL DEFAULT 0,
		percent     REAL NOT NULL DEFAULT 0,
		is_limited  INTEGER NOT NULL DEFAULT 0,
		reset_at    INTEGER,
		raw         TEXT NOT NULL DEFAULT '',
		updated_at  INTEGER NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV2 carries the chained-migration shape forward for future schema
// changes; there is nothing to add yet beyond v1's tables.
func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
