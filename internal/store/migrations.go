package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version int
	Name    string
	Up      string
}

// Times are stored as nullable unix nanoseconds. Versions 1 and 2 wrote
// milliseconds; version 3 rescales those rows.
var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			CREATE TABLE IF NOT EXISTS alerts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source TEXT NOT NULL,
				alert_id TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				importance INTEGER NOT NULL DEFAULT 0,
				raised_at INTEGER,
				cleared_at INTEGER,
				acknowledged_at INTEGER,
				acknowledged_by TEXT NOT NULL DEFAULT '',
				will_raise_at INTEGER,
				will_clear_at INTEGER,
				will_unacknowledge_at INTEGER,
				due_at INTEGER,
				update_type TEXT NOT NULL DEFAULT '',
				updated_at INTEGER,
				UNIQUE (source, alert_id)
			);

			CREATE TABLE IF NOT EXISTS reminders (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_ref INTEGER NOT NULL,
				rule TEXT NOT NULL,
				recipient TEXT NOT NULL DEFAULT '',
				level TEXT NOT NULL,
				update_type TEXT NOT NULL DEFAULT '',
				fired_at INTEGER,
				remind_at INTEGER,
				UNIQUE (alert_ref, rule),
				FOREIGN KEY (alert_ref) REFERENCES alerts(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_alerts_due_at ON alerts(due_at);
			CREATE INDEX IF NOT EXISTS idx_alerts_source ON alerts(source);
			CREATE INDEX IF NOT EXISTS idx_reminders_remind_at ON reminders(remind_at);
			CREATE INDEX IF NOT EXISTS idx_reminders_alert_fired ON reminders(alert_ref, fired_at);
		`,
	},
	{
		Version: 2,
		Name:    "notification_history",
		Up: `
			CREATE TABLE IF NOT EXISTS history (
				id TEXT PRIMARY KEY,
				alert_ref INTEGER NOT NULL,
				recipient TEXT NOT NULL,
				level TEXT NOT NULL,
				kind TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_history_alert_created ON history(alert_ref, created_at);
		`,
	},
	{
		Version: 3,
		Name:    "nanosecond_timestamps",
		Up: `
			UPDATE alerts SET
				raised_at = raised_at * 1000000,
				cleared_at = cleared_at * 1000000,
				acknowledged_at = acknowledged_at * 1000000,
				will_raise_at = will_raise_at * 1000000,
				will_clear_at = will_clear_at * 1000000,
				will_unacknowledge_at = will_unacknowledge_at * 1000000,
				due_at = due_at * 1000000,
				updated_at = updated_at * 1000000;
			UPDATE reminders SET
				fired_at = fired_at * 1000000,
				remind_at = remind_at * 1000000;
			UPDATE history SET created_at = created_at * 1000000;
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}
	if latest := migrations[len(migrations)-1].Version; currentVersion > latest {
		return fmt.Errorf("database schema version %d is newer than supported %d", currentVersion, latest)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}
