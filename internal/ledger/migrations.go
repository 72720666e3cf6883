package ledger

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	up      string
}

// migrations is the ordered list of schema changes. Never edit an applied one.
var migrations = []migration{
	{
		version: 1,
		name:    "create_remote_objects_table",
		up: `
			CREATE TABLE IF NOT EXISTS remote_objects (
				key TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				role TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				deleted_at INTEGER
			);

			CREATE INDEX IF NOT EXISTS idx_remote_objects_pending
			ON remote_objects(created_at)
			WHERE deleted_at IS NULL;
		`,
	},
	{
		version: 2,
		name:    "create_jobs_table",
		up: `
			CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				capture_key TEXT NOT NULL DEFAULT '',
				result_key TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				started_at INTEGER NOT NULL,
				finished_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_finished_at
			ON jobs(finished_at DESC);
		`,
	},
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	currentVersion := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
