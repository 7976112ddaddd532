// Package store persists alerts, reminders, and notification history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escalator/internal/domain"
)

var (
	// ErrNotFound indicates absent alert or reminder.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates (source, alert_id) already exists.
	ErrDuplicate = errors.New("already exists")
)

const (
	// DriverMemory keeps state in process memory.
	DriverMemory = "memory"
	// DriverSQLite persists state in a SQLite file.
	DriverSQLite = "sqlite"
)

// AlertFilter narrows FindAll results.
// Params: optional source, raised-only flag, and row limit (0 is unlimited).
// Returns: filter value.
type AlertFilter struct {
	Source     string
	RaisedOnly bool
	Limit      int
}

// AlertRepository stores alerts keyed by surrogate id and (source, alert_id).
// Every alert returned or saved is marked persisted so significance is computed against it.
type AlertRepository interface {
	Create(ctx context.Context, alert *domain.Alert) error
	Save(ctx context.Context, alert *domain.Alert) error
	Get(ctx context.Context, id int64) (*domain.Alert, error)
	FindByKey(ctx context.Context, source, alertID string) (*domain.Alert, error)
	FindAll(ctx context.Context, filter AlertFilter) ([]*domain.Alert, error)
	EarliestDue(ctx context.Context) (*domain.Alert, error)
}

// ReminderRepository stores one reminder per (alert, rule).
type ReminderRepository interface {
	Find(ctx context.Context, alertRef int64, rule string) (*domain.Reminder, error)
	Save(ctx context.Context, reminder *domain.Reminder) error
	EarliestDue(ctx context.Context) (*domain.Reminder, error)
	ListByAlert(ctx context.Context, alertRef int64) ([]*domain.Reminder, error)
}

// HistoryRepository appends notification outcomes.
type HistoryRepository interface {
	Record(ctx context.Context, entry domain.HistoryEntry) error
	ListByAlert(ctx context.Context, alertRef int64, limit int) ([]domain.HistoryEntry, error)
}

// Store groups repositories of one backend.
type Store interface {
	Alerts() AlertRepository
	Reminders() ReminderRepository
	History() HistoryRepository
	Close() error
}

// Open creates store for driver.
// Params: driver name (memory/sqlite) and database path for sqlite.
// Returns: opened store or error.
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
