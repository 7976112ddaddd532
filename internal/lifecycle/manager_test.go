package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"escalator/internal/clock"
	"escalator/internal/domain"
	"escalator/internal/store"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	seen []domain.UpdateType
}

func (n *recordingNotifier) Notify(_ context.Context, alert *domain.Alert) error {
	n.seen = append(n.seen, alert.UpdateType)
	return nil
}

type failingAlerts struct {
	store.AlertRepository
}

func (failingAlerts) Save(context.Context, *domain.Alert) error {
	return errors.New("disk on fire")
}

func newManager(t *testing.T) (*Manager, *clock.Manual, *recordingNotifier, store.AlertRepository) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewManual(t0)
	notifier := &recordingNotifier{}
	return NewManager(st.Alerts(), notifier, clk, slog.New(slog.DiscardHandler)), clk, notifier, st.Alerts()
}

func load(t *testing.T, m *Manager, id string) *domain.Alert {
	t.Helper()
	alert, err := m.Load(context.Background(), "s", id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return alert
}

func TestApplyUpdateNotifiesOnlySignificantChanges(t *testing.T) {
	t.Parallel()

	m, _, notifier, _ := newManager(t)
	ctx := context.Background()

	m.ApplyUpdate(ctx, load(t, m, "a"), domain.AlertUpdate{ID: "a", Summary: "x"}, 0)
	m.ApplyUpdate(ctx, load(t, m, "a"), domain.AlertUpdate{ID: "a", Summary: "x"}, 0)
	if len(notifier.seen) != 1 || notifier.seen[0] != domain.UpdateRaised {
		t.Fatalf("expected one raised notification, got %v", notifier.seen)
	}

	alert := load(t, m, "a")
	m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: "a", Summary: "y"}, 0)
	if len(notifier.seen) != 2 || notifier.seen[1] != domain.UpdateChanged {
		t.Fatalf("expected changed notification, got %v", notifier.seen)
	}
	if !alert.IsRaised() || !alert.RaisedAt.Equal(t0) {
		t.Fatalf("content change must keep raise time, got %+v", alert)
	}
}

func TestApplyUpdateFutureRaiseWaitsForPoll(t *testing.T) {
	t.Parallel()

	m, clk, notifier, _ := newManager(t)
	ctx := context.Background()

	alert := load(t, m, "a")
	m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: "a", RaiseTime: t0.Add(5 * time.Minute).Unix()}, 0)
	if alert.IsRaised() || !alert.WillRaiseAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("raise must be scheduled, got %+v", alert)
	}
	if len(notifier.seen) != 0 {
		t.Fatalf("scheduled raise must not notify, got %v", notifier.seen)
	}

	clk.Advance(5 * time.Minute)
	alert = load(t, m, "a")
	m.Poll(ctx, alert)
	if !alert.IsRaised() {
		t.Fatalf("poll must raise alert")
	}
	if len(notifier.seen) != 1 {
		t.Fatalf("expected exactly one notification, got %v", notifier.seen)
	}
}

func TestApplyUpdateAdjustsForSenderSkew(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newManager(t)
	ctx := context.Background()

	// Sender clock runs a minute fast.
	skew := -time.Minute
	raised := load(t, m, "a")
	m.ApplyUpdate(ctx, raised, domain.AlertUpdate{ID: "a", RaiseTime: t0.Add(62 * time.Second).Unix()}, skew)
	if !raised.IsRaised() || !raised.RaisedAt.Equal(t0) {
		t.Fatalf("raise inside grace window must apply now, got %+v", raised)
	}

	scheduled := load(t, m, "b")
	m.ApplyUpdate(ctx, scheduled, domain.AlertUpdate{ID: "b", ClearTime: t0.Add(3 * time.Minute).Unix(), RaiseTime: t0.Unix()}, skew)
	if !scheduled.IsRaised() {
		t.Fatalf("past raise must apply now")
	}
	if !scheduled.WillClearAt.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("clear must be shifted by skew, got %v", scheduled.WillClearAt)
	}
}

func TestApplyUpdateOrdersImmediateTransitions(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		id         string
		raise      time.Time
		clear      time.Time
		wantRaised bool
	}{
		{id: "raise-then-clear", raise: t0.Add(-10 * time.Second), clear: t0.Add(-5 * time.Second), wantRaised: false},
		{id: "clear-then-raise", raise: t0.Add(-5 * time.Second), clear: t0.Add(-10 * time.Second), wantRaised: true},
	}
	for _, tc := range tests {
		alert := load(t, m, tc.id)
		m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: tc.id, RaiseTime: tc.raise.Unix(), ClearTime: tc.clear.Unix()}, 0)
		if alert.IsRaised() != tc.wantRaised {
			t.Fatalf("%s: raised=%v, want %v", tc.id, alert.IsRaised(), tc.wantRaised)
		}
	}
}

func TestApplyUpdateKeepsAcknowledgement(t *testing.T) {
	t.Parallel()

	m, clk, notifier, _ := newManager(t)
	ctx := context.Background()

	alert := load(t, m, "a")
	m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: "a", Summary: "x"}, 0)
	if err := m.Acknowledge(ctx, alert, "alice", time.Time{}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	clk.Advance(time.Minute)
	alert = load(t, m, "a")
	m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: "a", Summary: "y"}, 0)
	if !alert.IsAcknowledged() || alert.AcknowledgedBy != "alice" {
		t.Fatalf("acknowledgement must survive content update, got %+v", alert)
	}
	if alert.UpdateType != domain.UpdateAcknowledged {
		t.Fatalf("update type must stay acknowledged, got %s", alert.UpdateType)
	}
	if got := len(notifier.seen); got != 3 {
		t.Fatalf("summary change on acknowledged alert must notify, got %v", notifier.seen)
	}
}

func TestAcknowledgeClearedAlertIsRejected(t *testing.T) {
	t.Parallel()

	m, _, notifier, _ := newManager(t)
	ctx := context.Background()

	alert := load(t, m, "a")
	m.ApplyUpdate(ctx, alert, domain.AlertUpdate{ID: "a", ClearTime: t0.Unix()}, 0)
	if len(notifier.seen) != 0 {
		t.Fatalf("clearing a never raised alert must not notify, got %v", notifier.seen)
	}
	if err := m.Acknowledge(ctx, alert, "bob", time.Time{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestPollRaisesThenClears(t *testing.T) {
	t.Parallel()

	m, clk, _, _ := newManager(t)
	ctx := context.Background()

	alert := load(t, m, "a")
	alert.WillRaiseAt = t0.Add(time.Minute)
	alert.WillClearAt = t0.Add(time.Minute)
	clk.Advance(time.Minute)
	m.Poll(ctx, alert)
	if alert.IsRaised() || alert.UpdateType != domain.UpdateCleared {
		t.Fatalf("expected cleared after simultaneous timers, got %+v", alert)
	}
	if _, due := alert.DueAt(); due {
		t.Fatalf("no timers must remain")
	}
}

func TestPersistenceFailureKeepsTransition(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	m := NewManager(failingAlerts{AlertRepository: st.Alerts()}, notifier, clock.NewManual(t0), slog.New(slog.DiscardHandler))

	alert := &domain.Alert{Source: "s", AlertID: "a"}
	m.Raise(context.Background(), alert, t0)
	if !alert.IsRaised() {
		t.Fatalf("transition must not roll back")
	}
	if len(notifier.seen) != 1 {
		t.Fatalf("escalation must still run, got %v", notifier.seen)
	}
}
