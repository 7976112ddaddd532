package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"escalator/internal/clock"
	"escalator/internal/domain"
	"escalator/internal/during"
	"escalator/internal/metrics"
	"escalator/internal/recipient"
	"escalator/internal/store"
)

// Deps are the policy collaborators.
type Deps struct {
	Alerts    store.AlertRepository
	Reminders store.ReminderRepository
	Directory *recipient.Directory
	Calendar  during.Calendar
	Location  *time.Location
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Policy combines alert groups with their notification rules.
type Policy struct {
	groups []*AlertGroup
	deps   Deps
}

// NewPolicy builds policy.
// Params: groups and collaborators; groups are ordered by level priority, then position, then name.
// Returns: policy.
func NewPolicy(groups []*AlertGroup, deps Deps) *Policy {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	ordered := append([]*AlertGroup(nil), groups...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Level.Priority() != b.Level.Priority() {
			return a.Level.Priority() > b.Level.Priority()
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.Name < b.Name
	})
	return &Policy{groups: ordered, deps: deps}
}

// Groups returns groups in priority order.
func (p *Policy) Groups() []*AlertGroup {
	return append([]*AlertGroup(nil), p.groups...)
}

// Match returns the single highest-priority group matching alert now, or nil.
func (p *Policy) Match(alert *domain.Alert) *AlertGroup {
	return p.matchAt(alert, p.deps.Clock.Now())
}

func (p *Policy) matchAt(alert *domain.Alert, now time.Time) *AlertGroup {
	for _, group := range p.groups {
		if group.Matches(alert, now, p.deps.Calendar, p.deps.Location) {
			return group
		}
	}
	return nil
}

// Notify fires every rule of the matching group for a significant change and
// upserts one reminder per (alert, rule). Pending reminders of rules outside the
// matching group are cleared.
// Params: context and persisted alert.
// Returns: joined resolution and persistence errors; delivery failures never surface here.
func (p *Policy) Notify(ctx context.Context, alert *domain.Alert) error {
	now := p.deps.Clock.Now()
	group := p.matchAt(alert, now)
	var errs []error
	active := make(map[string]struct{})
	if group == nil {
		p.deps.Logger.Debug("alert matches no group", "alert", alert.Key())
	} else {
		sent := make(map[string]struct{})
		for _, notification := range group.Notifications {
			active[notification.Rule] = struct{}{}
			evaluator := during.NewEvaluator(notification.During, alert, p.deps.Calendar, p.deps.Location)
			var err error
			sent, err = notification.Notify(ctx, alert, p.deps.Directory, evaluator, now, sent)
			if err != nil {
				errs = append(errs, err)
			}
			if err := p.upsertReminder(ctx, alert, notification, evaluator, now); err != nil {
				errs = append(errs, err)
			}
		}
		p.deps.Logger.Info("alert escalated",
			"alert", alert.Key(),
			"group", group.Name,
			"update_type", string(alert.UpdateType),
			"recipients", len(sent),
		)
	}
	if err := p.clearStaleReminders(ctx, alert.ID, active); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Remind fires a due reminder: the alert and the group are re-checked, the rule
// is sent again, and the reminder is rescheduled or cleared.
// Params: context and due reminder.
// Returns: load, resolution, or persistence error.
func (p *Policy) Remind(ctx context.Context, reminder *domain.Reminder) error {
	now := p.deps.Clock.Now()
	alert, err := p.deps.Alerts.Get(ctx, reminder.AlertRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			reminder.RemindAt = time.Time{}
			return p.saveReminder(ctx, reminder)
		}
		return fmt.Errorf("load alert %d for reminder %s: %w", reminder.AlertRef, reminder.Rule, err)
	}

	notification := p.ruleFor(alert, reminder.Rule, now)
	if notification == nil || alert.IsAcknowledged() || !alert.IsRaised() {
		p.deps.Logger.Debug("reminder cleared", "alert", alert.Key(), "rule", reminder.Rule)
		reminder.RemindAt = time.Time{}
		return p.saveReminder(ctx, reminder)
	}

	evaluator := during.NewEvaluator(notification.During, alert, p.deps.Calendar, p.deps.Location)
	sent, notifyErr := notification.Notify(ctx, alert, p.deps.Directory, evaluator, now, nil)
	reminder.Recipient = strings.Join(notification.Recipients, ",")
	reminder.Level = notification.Level
	reminder.UpdateType = alert.UpdateType
	reminder.FiredAt = now
	reminder.RemindAt, _ = notification.RemindAtNext(alert, evaluator, now)
	p.deps.Logger.Info("reminder fired", "alert", alert.Key(), "rule", reminder.Rule, "recipients", len(sent))
	return errors.Join(notifyErr, p.saveReminder(ctx, reminder))
}

// ruleFor returns the rule named rule when its group is still the alert's best match.
func (p *Policy) ruleFor(alert *domain.Alert, rule string, now time.Time) *Notification {
	group := p.matchAt(alert, now)
	if group == nil {
		return nil
	}
	for _, notification := range group.Notifications {
		if notification.Rule == rule {
			return notification
		}
	}
	return nil
}

func (p *Policy) upsertReminder(ctx context.Context, alert *domain.Alert, notification *Notification, evaluator *during.Evaluator, now time.Time) error {
	reminder, err := p.deps.Reminders.Find(ctx, alert.ID, notification.Rule)
	switch {
	case errors.Is(err, store.ErrNotFound):
		reminder = &domain.Reminder{AlertRef: alert.ID, Rule: notification.Rule}
	case err != nil:
		return fmt.Errorf("find reminder %s for %s: %w", notification.Rule, alert.Key(), err)
	}
	reminder.Recipient = strings.Join(notification.Recipients, ",")
	reminder.Level = notification.Level
	reminder.UpdateType = alert.UpdateType
	reminder.FiredAt = now
	reminder.RemindAt = time.Time{}
	if !alert.IsAcknowledged() {
		reminder.RemindAt, _ = notification.RemindAtNext(alert, evaluator, now)
	}
	return p.saveReminder(ctx, reminder)
}

func (p *Policy) clearStaleReminders(ctx context.Context, alertRef int64, active map[string]struct{}) error {
	reminders, err := p.deps.Reminders.ListByAlert(ctx, alertRef)
	if err != nil {
		return fmt.Errorf("list reminders for alert %d: %w", alertRef, err)
	}
	var errs []error
	for _, reminder := range reminders {
		if _, ok := active[reminder.Rule]; ok || !reminder.Pending() {
			continue
		}
		reminder.RemindAt = time.Time{}
		if err := p.saveReminder(ctx, reminder); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Policy) saveReminder(ctx context.Context, reminder *domain.Reminder) error {
	if err := p.deps.Reminders.Save(ctx, reminder); err != nil {
		metrics.PersistenceFailures.Inc()
		return fmt.Errorf("%w: save reminder %s: %w", domain.ErrPersistenceFailure, reminder.Rule, err)
	}
	return nil
}
