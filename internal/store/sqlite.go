package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"escalator/internal/domain"
)

const alertColumns = `id, source, alert_id, subject, summary, detail, importance,
	raised_at, cleared_at, acknowledged_at, acknowledged_by,
	will_raise_at, will_clear_at, will_unacknowledge_at, update_type, updated_at`

const reminderColumns = `id, alert_ref, rule, recipient, level, update_type, fired_at, remind_at`

// SQLiteStore persists state in one SQLite database file.
// Params: database handle limited to one connection.
// Returns: durable store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates database at path and applies migrations.
// Params: context and file path (parent directories are created).
// Returns: ready store or error.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Alerts returns alert repository view.
func (s *SQLiteStore) Alerts() AlertRepository { return sqliteAlerts{s.db} }

// Reminders returns reminder repository view.
func (s *SQLiteStore) Reminders() ReminderRepository { return sqliteReminders{s.db} }

// History returns history repository view.
func (s *SQLiteStore) History() HistoryRepository { return sqliteHistory{s.db} }

// Close closes database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqliteAlerts struct{ db *sql.DB }

func (r sqliteAlerts) Create(ctx context.Context, alert *domain.Alert) error {
	due, _ := alert.DueAt()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (source, alert_id, subject, summary, detail, importance,
			raised_at, cleared_at, acknowledged_at, acknowledged_by,
			will_raise_at, will_clear_at, will_unacknowledge_at, due_at, update_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.Source, alert.AlertID, alert.Subject, alert.Summary, alert.Detail, alert.Importance,
		toUnixNano(alert.RaisedAt), toUnixNano(alert.ClearedAt), toUnixNano(alert.AcknowledgedAt), alert.AcknowledgedBy,
		toUnixNano(alert.WillRaiseAt), toUnixNano(alert.WillClearAt), toUnixNano(alert.WillUnacknowledgeAt),
		toUnixNano(due), string(alert.UpdateType), toUnixNano(alert.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert alert %s: %w", alert.Key(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	alert.ID = id
	alert.MarkPersisted()
	return nil
}

func (r sqliteAlerts) Save(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == 0 {
		return r.Create(ctx, alert)
	}
	due, _ := alert.DueAt()
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET subject = ?, summary = ?, detail = ?, importance = ?,
			raised_at = ?, cleared_at = ?, acknowledged_at = ?, acknowledged_by = ?,
			will_raise_at = ?, will_clear_at = ?, will_unacknowledge_at = ?, due_at = ?,
			update_type = ?, updated_at = ?
		WHERE id = ?`,
		alert.Subject, alert.Summary, alert.Detail, alert.Importance,
		toUnixNano(alert.RaisedAt), toUnixNano(alert.ClearedAt), toUnixNano(alert.AcknowledgedAt), alert.AcknowledgedBy,
		toUnixNano(alert.WillRaiseAt), toUnixNano(alert.WillClearAt), toUnixNano(alert.WillUnacknowledgeAt), toUnixNano(due),
		string(alert.UpdateType), toUnixNano(alert.UpdatedAt),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert %d: %w", alert.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert %d: %w", alert.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	alert.MarkPersisted()
	return nil
}

func (r sqliteAlerts) Get(ctx context.Context, id int64) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	return scanAlert(row)
}

func (r sqliteAlerts) FindByKey(ctx context.Context, source, alertID string) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE source = ? AND alert_id = ?", source, alertID)
	return scanAlert(row)
}

func (r sqliteAlerts) FindAll(ctx context.Context, filter AlertFilter) ([]*domain.Alert, error) {
	query := "SELECT " + alertColumns + " FROM alerts"
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.RaisedOnly {
		where = append(where, "raised_at IS NOT NULL AND (cleared_at IS NULL OR raised_at > cleared_at)")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func (r sqliteAlerts) EarliestDue(ctx context.Context) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE due_at IS NOT NULL ORDER BY due_at, id LIMIT 1")
	return scanAlert(row)
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var (
		alert                                        domain.Alert
		raisedAt, clearedAt, acknowledgedAt          sql.NullInt64
		willRaiseAt, willClearAt, willUnacknowledgeAt sql.NullInt64
		updatedAt                                    sql.NullInt64
		updateType                                   string
	)
	err := row.Scan(
		&alert.ID, &alert.Source, &alert.AlertID, &alert.Subject, &alert.Summary, &alert.Detail, &alert.Importance,
		&raisedAt, &clearedAt, &acknowledgedAt, &alert.AcknowledgedBy,
		&willRaiseAt, &willClearAt, &willUnacknowledgeAt, &updateType, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	alert.RaisedAt = fromUnixNano(raisedAt)
	alert.ClearedAt = fromUnixNano(clearedAt)
	alert.AcknowledgedAt = fromUnixNano(acknowledgedAt)
	alert.WillRaiseAt = fromUnixNano(willRaiseAt)
	alert.WillClearAt = fromUnixNano(willClearAt)
	alert.WillUnacknowledgeAt = fromUnixNano(willUnacknowledgeAt)
	alert.UpdatedAt = fromUnixNano(updatedAt)
	alert.UpdateType = domain.UpdateType(updateType)
	alert.MarkPersisted()
	return &alert, nil
}

type sqliteReminders struct{ db *sql.DB }

func (r sqliteReminders) Find(ctx context.Context, alertRef int64, rule string) (*domain.Reminder, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+reminderColumns+" FROM reminders WHERE alert_ref = ? AND rule = ?", alertRef, rule)
	return scanReminder(row)
}

func (r sqliteReminders) Save(ctx context.Context, reminder *domain.Reminder) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO reminders (alert_ref, rule, recipient, level, update_type, fired_at, remind_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_ref, rule) DO UPDATE SET
			recipient = excluded.recipient,
			level = excluded.level,
			update_type = excluded.update_type,
			fired_at = excluded.fired_at,
			remind_at = excluded.remind_at
		RETURNING id`,
		reminder.AlertRef, reminder.Rule, reminder.Recipient, string(reminder.Level), string(reminder.UpdateType),
		toUnixNano(reminder.FiredAt), toUnixNano(reminder.RemindAt),
	).Scan(&reminder.ID)
	if err != nil {
		return fmt.Errorf("upsert reminder %d/%s: %w", reminder.AlertRef, reminder.Rule, err)
	}
	return nil
}

func (r sqliteReminders) EarliestDue(ctx context.Context) (*domain.Reminder, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+reminderColumns+" FROM reminders WHERE remind_at IS NOT NULL ORDER BY remind_at, id LIMIT 1")
	return scanReminder(row)
}

func (r sqliteReminders) ListByAlert(ctx context.Context, alertRef int64) ([]*domain.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+reminderColumns+" FROM reminders WHERE alert_ref = ? ORDER BY fired_at DESC, id DESC", alertRef)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Reminder, 0)
	for rows.Next() {
		reminder, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reminder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return out, nil
}

func scanReminder(row rowScanner) (*domain.Reminder, error) {
	var (
		reminder          domain.Reminder
		level, updateType string
		firedAt, remindAt sql.NullInt64
	)
	err := row.Scan(&reminder.ID, &reminder.AlertRef, &reminder.Rule, &reminder.Recipient, &level, &updateType, &firedAt, &remindAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	reminder.Level = domain.Level(level)
	reminder.UpdateType = domain.UpdateType(updateType)
	reminder.FiredAt = fromUnixNano(firedAt)
	reminder.RemindAt = fromUnixNano(remindAt)
	return &reminder, nil
}

type sqliteHistory struct{ db *sql.DB }

func (r sqliteHistory) Record(ctx context.Context, entry domain.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO history (id, alert_ref, recipient, level, kind, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.AlertRef, entry.Recipient, string(entry.Level), string(entry.Kind), entry.Detail, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (r sqliteHistory) ListByAlert(ctx context.Context, alertRef int64, limit int) ([]domain.HistoryEntry, error) {
	query := "SELECT id, alert_ref, recipient, level, kind, detail, created_at FROM history WHERE alert_ref = ? ORDER BY created_at DESC, rowid DESC"
	args := []any{alertRef}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	out := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry       domain.HistoryEntry
			level, kind string
			createdAt   int64
		)
		if err := rows.Scan(&entry.ID, &entry.AlertRef, &entry.Recipient, &level, &kind, &entry.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Level = domain.Level(level)
		entry.Kind = domain.HistoryKind(kind)
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// toUnixNano keeps full precision so a stored due time never reads back earlier than it was computed.
func toUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
