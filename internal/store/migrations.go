package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema contains the DDL for all GoWQ tables. It is portable across the
// SQLite and PostgreSQL dialects: booleans are INTEGER 0/1 and times are
// fixed-width UTC TEXT so lexical order matches chronological order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		type            TEXT NOT NULL,
		host            TEXT NOT NULL DEFAULT '',
		launch_after    TEXT,
		launched_at     TEXT,
		completed_at    TEXT,
		status          TEXT NOT NULL DEFAULT '',
		phase           INTEGER NOT NULL DEFAULT 0,
		dependent_phase INTEGER NOT NULL DEFAULT -1,
		hold            INTEGER NOT NULL DEFAULT 0,
		live            INTEGER NOT NULL DEFAULT 0,
		args            TEXT NOT NULL DEFAULT '{}',
		state           TEXT NOT NULL DEFAULT '{}',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		restart_count   INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER,
		job_id          TEXT NOT NULL DEFAULT '',
		messages        TEXT NOT NULL DEFAULT '[]',
		expiration      TEXT,
		created_at      TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		restartable        INTEGER NOT NULL DEFAULT 0,
		consolidated       INTEGER NOT NULL DEFAULT 0,
		terminate_on_error INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT '',
		progress           TEXT NOT NULL DEFAULT '',
		restart_count      INTEGER NOT NULL DEFAULT 0,
		messages           TEXT NOT NULL DEFAULT '[]',
		launched_at        TEXT,
		completed_at       TEXT,
		finalizing_at      TEXT,
		finalized_at       TEXT,
		version            INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS partitions (
		job_id       TEXT NOT NULL,
		name         TEXT NOT NULL,
		host         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		launched_at  TEXT,
		completed_at TEXT,
		messages     TEXT NOT NULL DEFAULT '[]',
		stats        TEXT NOT NULL DEFAULT '{}',
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (job_id, name)
	)`,

	// Readiness predicate used by every scheduler cycle.
	`CREATE INDEX IF NOT EXISTS idx_work_items_ready ON work_items(completed_at, launched_at, launch_after)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_job ON work_items(job_id, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_host ON work_items(host)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_expiration ON work_items(expiration)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_unfinalized ON jobs(completed_at, finalized_at)`,
}

// alterStatements add columns to databases created by earlier versions.
// Errors from columns that already exist are ignored.
var alterStatements = []string{
	`ALTER TABLE jobs ADD COLUMN finalizing_at TEXT`,
	`ALTER TABLE jobs ADD COLUMN finalized_at TEXT`,
}

// migrate applies the schema. Every statement is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, stmt := range alterStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
