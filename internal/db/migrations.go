package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	cmdline TEXT NOT NULL DEFAULT '',
	pid INTEGER,
	status TEXT NOT NULL CHECK(status IN ('active','exited','failed')),
	started_at TEXT NOT NULL,
	ended_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	prompt_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('created','routed','awaiting_reply','reply_received','injected','resolved','expired','canceled','failed')),
	prompt_type TEXT NOT NULL CHECK(prompt_type IN ('yes_no','multiple_choice','confirm_enter','free_text','unknown')),
	confidence TEXT NOT NULL CHECK(confidence IN ('high','medium','low')),
	signal TEXT NOT NULL CHECK(signal IN ('pattern','blocked_read','silence')),
	question TEXT NOT NULL,
	options TEXT NOT NULL DEFAULT '[]',
	excerpt TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	decided_at TEXT,
	reply_text TEXT,
	reply_from TEXT CHECK(reply_from IS NULL OR reply_from IN ('human','autopilot','timeout_default')),
	updated_at TEXT NOT NULL,
	UNIQUE(nonce),
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS prompts_state_expires_at
ON prompts(state, expires_at);

CREATE INDEX IF NOT EXISTS prompts_session_created_at
ON prompts(session_id, created_at);

CREATE INDEX IF NOT EXISTS sessions_status_updated_at
ON sessions(status, updated_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS settings;
DROP TABLE IF EXISTS prompts;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE prompts ADD COLUMN channel_msg TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 3,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN repo TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
