package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped on every schema change; migrations
// bring older databases forward.
const CurrentSchemaVersion = 1

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'pending',
	job_id      TEXT,
	issue_id    TEXT,
	error       TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	sandbox_id TEXT,
	supersedes TEXT,
	model      TEXT NOT NULL DEFAULT '',
	last_error TEXT,
	issue_list TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, updated_at);

CREATE TABLE IF NOT EXISTS job_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	line       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id);

CREATE TABLE IF NOT EXISTS council_decisions (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	step       TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	reasoning  TEXT NOT NULL DEFAULT '',
	agents     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_council_job ON council_decisions(job_id, created_at);

CREATE TABLE IF NOT EXISTS fragments (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	files      TEXT NOT NULL,
	framework  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fragments_job ON fragments(job_id, created_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	ts        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_op ON rate_limits(operation, ts);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id     TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	step_index INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

// initializeSchema ensures the database schema is at the current
// version, creating it fresh or running migrations as needed.
func initializeSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version == 0 {
		return createSchema(db)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, version, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(createSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil // Empty database
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("UPDATE schema_version SET version = ?", version); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Initial schema, nothing to migrate from
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}
