// Package schedule wakes once per due alert timer or reminder.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/metrics"
	"escalator/internal/store"
	"escalator/internal/worker"
)

const (
	// DefaultIdle is how long to sleep when nothing is due.
	DefaultIdle = 20 * time.Minute
	// DefaultIncrement is the sleep granularity between stop/freeze checks.
	DefaultIncrement = 100 * time.Millisecond
)

// AlertPoller applies due alert timers.
type AlertPoller interface {
	Poll(ctx context.Context, alert *domain.Alert)
}

// ReminderFirer sends a due reminder.
type ReminderFirer interface {
	Remind(ctx context.Context, reminder *domain.Reminder) error
}

// SleepFunc pauses for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration)

// Deps are the scheduler collaborators.
type Deps struct {
	Alerts    store.AlertRepository
	Reminders store.ReminderRepository
	Poller    AlertPoller
	Reminder  ReminderFirer
	Clock     clock.Clock
	Logger    *slog.Logger
	Sleep     SleepFunc
}

// Scheduler finds the earliest due event and fires it on time, never early.
type Scheduler struct {
	deps      Deps
	idle      time.Duration
	increment time.Duration
}

type dueEvent struct {
	at       time.Time
	alert    *domain.Alert
	reminder *domain.Reminder
}

// New creates scheduler.
// Params: scheduler config and collaborators.
// Returns: scheduler.
func New(cfg config.SchedulerConfig, deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	s := &Scheduler{
		deps:      deps,
		idle:      time.Duration(cfg.IdleSleepSec) * time.Second,
		increment: time.Duration(cfg.IncrementMS) * time.Millisecond,
	}
	if s.idle <= 0 {
		s.idle = DefaultIdle
	}
	if s.increment <= 0 {
		s.increment = DefaultIncrement
	}
	return s
}

// Step runs one scheduler cycle: pick the sooner of the earliest alert timer and the
// earliest reminder, sleep until it is due, then fire it.
// Params: worker context and control.
// Returns: repository error; a yield returns nil without firing.
func (s *Scheduler) Step(ctx context.Context, ctl worker.Control) error {
	next, found, err := s.next(ctx)
	if err != nil {
		return err
	}
	target := s.deps.Clock.Now().Add(s.idle)
	if found {
		target = next.at
	}
	if !s.sleepUntil(ctx, ctl, target) || !found {
		return nil
	}
	return s.fire(ctx, next)
}

func (s *Scheduler) next(ctx context.Context) (dueEvent, bool, error) {
	var event dueEvent
	found := false

	alert, err := s.deps.Alerts.EarliestDue(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return dueEvent{}, false, fmt.Errorf("earliest due alert: %w", err)
	default:
		if due, ok := alert.DueAt(); ok {
			event, found = dueEvent{at: due, alert: alert}, true
		}
	}

	reminder, err := s.deps.Reminders.EarliestDue(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return dueEvent{}, false, fmt.Errorf("earliest due reminder: %w", err)
	default:
		if !found || reminder.RemindAt.Before(event.at) {
			event, found = dueEvent{at: reminder.RemindAt, reminder: reminder}, true
		}
	}
	return event, found, nil
}

// sleepUntil sleeps in increments until target. It returns false when asked to yield first.
func (s *Scheduler) sleepUntil(ctx context.Context, ctl worker.Control, target time.Time) bool {
	for {
		now := s.deps.Clock.Now()
		if !now.Before(target) {
			return true
		}
		if ctx.Err() != nil || ctl.ShouldYield() {
			return false
		}
		wait := target.Sub(now)
		if wait > s.increment {
			wait = s.increment
		}
		s.deps.Sleep(ctx, wait)
	}
}

// fire reloads the event so changes made while sleeping are honoured.
func (s *Scheduler) fire(ctx context.Context, event dueEvent) error {
	now := s.deps.Clock.Now()
	if event.alert != nil {
		alert, err := s.deps.Alerts.Get(ctx, event.alert.ID)
		if err != nil {
			return fmt.Errorf("reload alert %d: %w", event.alert.ID, err)
		}
		due, ok := alert.DueAt()
		if !ok || due.After(now) {
			return nil
		}
		s.deps.Poller.Poll(ctx, alert)
		s.observe("alert", due, now)
		return nil
	}

	reminder, err := s.deps.Reminders.Find(ctx, event.reminder.AlertRef, event.reminder.Rule)
	if err != nil {
		return fmt.Errorf("reload reminder %s: %w", event.reminder.Rule, err)
	}
	if !reminder.Pending() || reminder.RemindAt.After(now) {
		return nil
	}
	due := reminder.RemindAt
	if err := s.deps.Reminder.Remind(ctx, reminder); err != nil {
		s.deps.Logger.Error("reminder failed", "alert_ref", reminder.AlertRef, "rule", reminder.Rule, "error", err.Error())
	}
	s.observe("reminder", due, now)
	return nil
}

func (s *Scheduler) observe(kind string, due, now time.Time) {
	metrics.SchedulerFires.WithLabelValues(kind).Inc()
	metrics.SchedulerLag.Observe(now.Sub(due).Seconds())
	s.deps.Logger.Debug("due event fired", "kind", kind, "due_at", due, "lag", now.Sub(due).String())
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
