package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"escalator/internal/domain"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "escalator.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		DriverMemory: NewMemoryStore(),
		DriverSQLite: sqlite,
	}
}

func TestAlertCreateFindAndSave(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alert := &domain.Alert{AlertID: "disk", Source: "db01", Summary: "disk full"}
			alert.Raise(t0)
			if err := s.Alerts().Create(ctx, alert); err != nil {
				t.Fatalf("create: %v", err)
			}
			if alert.ID == 0 || !alert.Persisted() {
				t.Fatalf("create must assign id and mark persisted: %+v", alert)
			}
			if err := s.Alerts().Create(ctx, &domain.Alert{AlertID: "disk", Source: "db01"}); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}

			loaded, err := s.Alerts().FindByKey(ctx, "db01", "disk")
			if err != nil {
				t.Fatalf("find by key: %v", err)
			}
			if loaded.ID != alert.ID || !loaded.RaisedAt.Equal(t0) || loaded.Summary != "disk full" {
				t.Fatalf("unexpected alert %+v", loaded)
			}
			if loaded.SignificantChange() {
				t.Fatalf("freshly loaded alert must not report significant change")
			}

			loaded.Summary = "disk fuller"
			loaded.WillClearAt = t0.Add(time.Hour)
			if err := s.Alerts().Save(ctx, loaded); err != nil {
				t.Fatalf("save: %v", err)
			}
			again, err := s.Alerts().Get(ctx, alert.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if again.Summary != "disk fuller" || !again.WillClearAt.Equal(t0.Add(time.Hour)) {
				t.Fatalf("save not persisted: %+v", again)
			}

			if _, err := s.Alerts().Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Alerts().Save(ctx, &domain.Alert{ID: 9999}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on save, got %v", err)
			}
		})
	}
}

func TestAlertFindAllFilters(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"a", "b", "c"} {
				alert := &domain.Alert{AlertID: id, Source: "s1"}
				if i < 2 {
					alert.Raise(t0)
				} else {
					alert.Clear(t0)
				}
				if err := s.Alerts().Create(ctx, alert); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			other := &domain.Alert{AlertID: "a", Source: "s2"}
			other.Raise(t0)
			if err := s.Alerts().Create(ctx, other); err != nil {
				t.Fatalf("create: %v", err)
			}

			all, _ := s.Alerts().FindAll(ctx, AlertFilter{})
			if len(all) != 4 {
				t.Fatalf("expected 4 alerts, got %d", len(all))
			}
			raised, _ := s.Alerts().FindAll(ctx, AlertFilter{Source: "s1", RaisedOnly: true})
			if len(raised) != 2 || raised[0].AlertID != "a" || raised[1].AlertID != "b" {
				t.Fatalf("unexpected raised alerts %+v", raised)
			}
			limited, _ := s.Alerts().FindAll(ctx, AlertFilter{Limit: 1})
			if len(limited) != 1 {
				t.Fatalf("limit ignored: %d", len(limited))
			}
		})
	}
}

func TestAlertEarliestDue(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Alerts().EarliestDue(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on empty store, got %v", err)
			}

			late := &domain.Alert{AlertID: "late", Source: "s", WillRaiseAt: t0.Add(time.Hour)}
			soon := &domain.Alert{AlertID: "soon", Source: "s", WillClearAt: t0.Add(2 * time.Hour), WillUnacknowledgeAt: t0.Add(time.Minute)}
			idle := &domain.Alert{AlertID: "idle", Source: "s"}
			for _, alert := range []*domain.Alert{late, soon, idle} {
				if err := s.Alerts().Create(ctx, alert); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			due, err := s.Alerts().EarliestDue(ctx)
			if err != nil {
				t.Fatalf("earliest due: %v", err)
			}
			if due.AlertID != "soon" {
				t.Fatalf("expected soon, got %s", due.AlertID)
			}

			soon.WillUnacknowledgeAt = time.Time{}
			soon.WillClearAt = time.Time{}
			if err := s.Alerts().Save(ctx, soon); err != nil {
				t.Fatalf("save: %v", err)
			}
			due, _ = s.Alerts().EarliestDue(ctx)
			if due.AlertID != "late" {
				t.Fatalf("due index not maintained on save, got %s", due.AlertID)
			}
		})
	}
}

func TestReminderUpsertAndOrdering(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alert := &domain.Alert{AlertID: "a", Source: "s"}
			if err := s.Alerts().Create(ctx, alert); err != nil {
				t.Fatalf("create: %v", err)
			}

			first := &domain.Reminder{AlertRef: alert.ID, Rule: "ops#0", Level: domain.LevelUrgent, FiredAt: t0, RemindAt: t0.Add(time.Hour)}
			if err := s.Reminders().Save(ctx, first); err != nil {
				t.Fatalf("save: %v", err)
			}
			update := &domain.Reminder{AlertRef: alert.ID, Rule: "ops#0", Level: domain.LevelUrgent, FiredAt: t0.Add(time.Hour)}
			if err := s.Reminders().Save(ctx, update); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if update.ID != first.ID {
				t.Fatalf("upsert created second row %d != %d", update.ID, first.ID)
			}
			second := &domain.Reminder{AlertRef: alert.ID, Rule: "ops#1", Level: domain.LevelLow, FiredAt: t0.Add(30 * time.Minute), RemindAt: t0.Add(3 * time.Hour)}
			if err := s.Reminders().Save(ctx, second); err != nil {
				t.Fatalf("save: %v", err)
			}

			found, err := s.Reminders().Find(ctx, alert.ID, "ops#0")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if found.Pending() || !found.FiredAt.Equal(t0.Add(time.Hour)) {
				t.Fatalf("unexpected reminder %+v", found)
			}
			if _, err := s.Reminders().Find(ctx, alert.ID, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			due, err := s.Reminders().EarliestDue(ctx)
			if err != nil || due.Rule != "ops#1" {
				t.Fatalf("expected ops#1 due, got %+v err=%v", due, err)
			}

			list, _ := s.Reminders().ListByAlert(ctx, alert.ID)
			if len(list) != 2 || list[0].Rule != "ops#0" || list[1].Rule != "ops#1" {
				t.Fatalf("expected most recent fired first, got %+v", list)
			}
		})
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, kind := range []domain.HistoryKind{domain.HistorySent, domain.HistorySuppressed, domain.HistoryFailed} {
				entry := domain.HistoryEntry{
					AlertRef:  7,
					Recipient: "alice",
					Level:     domain.LevelNormal,
					Kind:      kind,
					CreatedAt: t0.Add(time.Duration(i) * time.Minute),
				}
				if err := s.History().Record(ctx, entry); err != nil {
					t.Fatalf("record: %v", err)
				}
			}
			entries, err := s.History().ListByAlert(ctx, 7, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(entries) != 2 || entries[0].Kind != domain.HistoryFailed || entries[1].Kind != domain.HistorySuppressed {
				t.Fatalf("unexpected history %+v", entries)
			}
			if entries[0].ID == "" {
				t.Fatalf("history id must be assigned")
			}
		})
	}
}

func TestSQLiteReopenKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "escalator.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	alert := &domain.Alert{AlertID: "a", Source: "s"}
	alert.Raise(t0)
	if err := s.Alerts().Create(ctx, alert); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	loaded, err := s.Alerts().Get(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.IsRaised() {
		t.Fatalf("raised state lost across reopen")
	}
}

func TestTimesKeepSubMillisecondPrecision(t *testing.T) {
	t.Parallel()

	at := t0.Add(1500*time.Microsecond + 7)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alert := &domain.Alert{AlertID: "a", Source: "s", WillRaiseAt: at}
			if err := s.Alerts().Create(ctx, alert); err != nil {
				t.Fatalf("create: %v", err)
			}
			reminder := &domain.Reminder{AlertRef: alert.ID, Rule: "ops#0", Level: domain.LevelUrgent, FiredAt: t0, RemindAt: at}
			if err := s.Reminders().Save(ctx, reminder); err != nil {
				t.Fatalf("save reminder: %v", err)
			}

			due, err := s.Alerts().EarliestDue(ctx)
			if err != nil {
				t.Fatalf("earliest due: %v", err)
			}
			if !due.WillRaiseAt.Equal(at) {
				t.Fatalf("will_raise_at read back as %v, stored %v", due.WillRaiseAt, at)
			}
			pending, err := s.Reminders().EarliestDue(ctx)
			if err != nil {
				t.Fatalf("earliest reminder: %v", err)
			}
			if !pending.RemindAt.Equal(at) {
				t.Fatalf("remind_at read back as %v, stored %v", pending.RemindAt, at)
			}
		})
	}
}

func TestSQLiteMigratesMillisecondTimes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at INTEGER NOT NULL)"); err != nil {
		t.Fatalf("create migrations table: %v", err)
	}
	for _, m := range migrations[:2] {
		if err := applyMigration(ctx, db, m); err != nil {
			t.Fatalf("apply legacy migration: %v", err)
		}
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO alerts (source, alert_id, raised_at, will_clear_at, due_at) VALUES ('s', 'a', ?, ?, ?)",
		t0.UnixMilli(), t0.Add(time.Hour).UnixMilli(), t0.Add(time.Hour).UnixMilli(),
	); err != nil {
		t.Fatalf("insert legacy alert: %v", err)
	}
	_ = db.Close()

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	loaded, err := s.Alerts().FindByKey(ctx, "s", "a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !loaded.RaisedAt.Equal(t0) || !loaded.WillClearAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("legacy times not rescaled: raised=%v will_clear=%v", loaded.RaisedAt, loaded.WillClearAt)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "postgres", ""); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
