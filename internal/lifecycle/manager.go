// Package lifecycle persists alert transitions and hands significant changes
// to the escalation policy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"escalator/internal/clock"
	"escalator/internal/domain"
	"escalator/internal/metrics"
	"escalator/internal/store"
)

// DefaultGrace is how close to now an inbound raise/clear time must be to apply immediately.
const DefaultGrace = 5 * time.Second

// Notifier receives alerts whose last transition was significant.
type Notifier interface {
	Notify(ctx context.Context, alert *domain.Alert) error
}

// Manager applies lifecycle transitions and saves them.
type Manager struct {
	alerts   store.AlertRepository
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	grace    time.Duration
}

// Option customizes manager.
type Option func(*Manager)

// WithGrace overrides the immediate-apply window.
func WithGrace(grace time.Duration) Option {
	return func(m *Manager) {
		if grace >= 0 {
			m.grace = grace
		}
	}
}

// NewManager creates lifecycle manager.
// Params: alert repository, notifier (nil disables escalation), clock, logger, and options.
// Returns: manager.
func NewManager(alerts store.AlertRepository, notifier Notifier, clk clock.Clock, logger *slog.Logger, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{alerts: alerts, notifier: notifier, clock: clk, logger: logger, grace: DefaultGrace}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns stored alert for key or a new unsaved one.
// Params: context, source, and alert id.
// Returns: alert or repository error.
func (m *Manager) Load(ctx context.Context, source, alertID string) (*domain.Alert, error) {
	alert, err := m.alerts.FindByKey(ctx, source, alertID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Alert{Source: source, AlertID: alertID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find alert %s/%s: %w", source, alertID, err)
	}
	return alert, nil
}

// Raise raises alert at given instant and saves it.
func (m *Manager) Raise(ctx context.Context, alert *domain.Alert, at time.Time) {
	alert.Raise(at)
	m.commit(ctx, alert)
}

// Clear clears alert at given instant and saves it.
func (m *Manager) Clear(ctx context.Context, alert *domain.Alert, at time.Time) {
	alert.Clear(at)
	m.commit(ctx, alert)
}

// Acknowledge acknowledges alert on behalf of by until deadline.
// Params: context, alert, acknowledging identity, and deadline (zero means one hour).
// Returns: ErrInvalidTransition for cleared alerts; nothing is saved then.
func (m *Manager) Acknowledge(ctx context.Context, alert *domain.Alert, by string, until time.Time) error {
	if err := alert.Acknowledge(by, m.clock.Now(), until); err != nil {
		return err
	}
	m.commit(ctx, alert)
	return nil
}

// Unacknowledge drops acknowledgement and saves alert.
func (m *Manager) Unacknowledge(ctx context.Context, alert *domain.Alert) {
	alert.Unacknowledge()
	m.commit(ctx, alert)
}

// Poll applies due timers at current time and saves alert.
func (m *Manager) Poll(ctx context.Context, alert *domain.Alert) {
	alert.Poll(m.clock.Now())
	m.commit(ctx, alert)
}

type transition struct {
	at    time.Time
	raise bool
}

// ApplyUpdate applies one inbound alert mention.
// Params: context, loaded alert, alert mention, and sender clock skew (received - transmitted).
// Returns: alert saved in place; persistence problems are logged, not returned.
func (m *Manager) ApplyUpdate(ctx context.Context, alert *domain.Alert, update domain.AlertUpdate, skew time.Duration) {
	now := m.clock.Now()
	raiseAt := shift(domain.EpochTime(update.RaiseTime), skew)
	clearAt := shift(domain.EpochTime(update.ClearTime), skew)
	if raiseAt.IsZero() && clearAt.IsZero() {
		raiseAt = now
	}

	contentChanged := alert.Subject != update.Subject ||
		alert.Summary != update.Summary ||
		alert.Detail != update.Detail ||
		alert.Importance != update.Importance
	alert.Subject = update.Subject
	alert.Summary = update.Summary
	alert.Detail = update.Detail
	alert.Importance = update.Importance
	if contentChanged && alert.Persisted() && alert.IsRaised() && !alert.IsAcknowledged() {
		alert.UpdateType = domain.UpdateChanged
	}

	deadline := now.Add(m.grace)
	var immediate []transition
	if !raiseAt.IsZero() {
		if raiseAt.After(deadline) {
			alert.WillRaiseAt = raiseAt
		} else {
			immediate = append(immediate, transition{at: earliest(raiseAt, now), raise: true})
		}
	}
	if !clearAt.IsZero() {
		if clearAt.After(deadline) {
			alert.WillClearAt = clearAt
		} else {
			immediate = append(immediate, transition{at: earliest(clearAt, now)})
		}
	}
	sort.SliceStable(immediate, func(i, j int) bool {
		return immediate[i].at.Before(immediate[j].at)
	})
	for _, step := range immediate {
		switch {
		case !step.raise:
			alert.Clear(step.at)
		case alert.IsAcknowledged():
			// Acknowledged alerts are already raised and keep the acknowledgement.
		default:
			alert.Raise(step.at)
		}
	}
	m.commit(ctx, alert)
}

// commit saves alert and notifies on significant change. A failed save keeps the
// in-memory transition.
func (m *Manager) commit(ctx context.Context, alert *domain.Alert) {
	significant := alert.SignificantChange()
	if alert.UpdateType == domain.UpdateCleared && alert.PersistedUpdateType() == "" {
		// Never raised before, nobody needs to hear it cleared.
		significant = false
	}
	alert.UpdatedAt = m.clock.Now()
	if err := m.alerts.Save(ctx, alert); err != nil {
		metrics.PersistenceFailures.Inc()
		m.logger.Error("alert save failed",
			"alert", alert.Key(),
			"update_type", string(alert.UpdateType),
			"error", fmt.Errorf("%w: %w", domain.ErrPersistenceFailure, err).Error(),
		)
	} else {
		metrics.Transitions.WithLabelValues(string(alert.UpdateType)).Inc()
	}
	m.logger.Debug("alert updated",
		"alert", alert.Key(),
		"update_type", string(alert.UpdateType),
		"raised", alert.IsRaised(),
		"significant", significant,
	)
	if !significant || m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("alert escalation failed", "alert", alert.Key(), "error", err.Error())
	}
}

func shift(at time.Time, skew time.Duration) time.Time {
	if at.IsZero() {
		return at
	}
	return at.Add(skew)
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
