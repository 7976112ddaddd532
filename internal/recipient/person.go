// Package recipient models people who receive notifications, their throttling,
// and the named lists that group them.
package recipient

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/metrics"
	"escalator/internal/notify"
	"escalator/internal/store"
	"escalator/internal/throttle"
)

// Recipient is anything an escalation rule can notify.
type Recipient interface {
	Name() string
	SendAlert(ctx context.Context, level domain.Level, alert *domain.Alert) bool
}

// Deliverer sends one alert to one "channel:destination" target and never fails loudly.
type Deliverer interface {
	Send(ctx context.Context, channel, destination string, alert *domain.Alert, sc notify.SendContext) bool
}

// HolidayChecker reports whether a person is away at an instant.
type HolidayChecker interface {
	OnHoliday(person string, at time.Time) bool
}

// Destination is one parsed "channel:destination" entry.
type Destination struct {
	Channel string
	Target  string
}

// Deps are collaborators shared by all persons.
type Deps struct {
	Deliverer Deliverer
	History   store.HistoryRepository
	Holidays  HolidayChecker
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Person is one throttled recipient with per-level destinations.
type Person struct {
	name         string
	destinations map[domain.Level][]Destination
	deps         Deps

	mu         sync.Mutex
	limiter    *throttle.Limiter
	suppressed bool
}

// NewPerson builds a person from configuration.
// Params: validated person config and shared collaborators.
// Returns: person with empty throttle windows.
func NewPerson(cfg config.PersonConfig, deps Deps) *Person {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	destinations := make(map[domain.Level][]Destination, len(domain.Levels))
	for _, level := range domain.Levels {
		for _, raw := range cfg.Destinations(level) {
			channel, target, ok := config.SplitDestination(raw)
			if !ok {
				continue
			}
			destinations[level] = append(destinations[level], Destination{Channel: channel, Target: target})
		}
	}
	thresholds := make([]throttle.Threshold, 0, len(cfg.Suppress))
	for _, threshold := range cfg.Suppress {
		thresholds = append(thresholds, throttle.Threshold{
			Period: time.Duration(threshold.PeriodSec) * time.Second,
			Count:  threshold.Count,
		})
	}
	return &Person{
		name:         cfg.Name,
		destinations: destinations,
		deps:         deps,
		limiter:      throttle.NewLimiter(thresholds),
	}
}

// Name returns the configured person name.
func (p *Person) Name() string {
	return p.name
}

// Destinations returns targets configured for level.
func (p *Person) Destinations(level domain.Level) []Destination {
	return append([]Destination(nil), p.destinations[level]...)
}

// Suppressed reports the current suppression flag.
func (p *Person) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// SendAlert delivers alert at level unless the person is holidaying or throttled.
// Params: context, delivery level, and alert snapshot.
// Returns: true when withheld (holiday or suppression) or when any destination accepted it.
func (p *Person) SendAlert(ctx context.Context, level domain.Level, alert *domain.Alert) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.deps.Clock.Now()
	wasSuppressed := p.suppressed
	p.suppressed = p.limiter.ShouldSuppress(now, nil, wasSuppressed)
	willSuppress := p.limiter.ShouldSuppress(now, &now, p.suppressed)

	if p.deps.Holidays != nil && p.deps.Holidays.OnHoliday(p.name, now) {
		p.record(ctx, alert, level, domain.HistorySuppressed, "on holiday", now)
		return true
	}
	if p.suppressed {
		p.record(ctx, alert, level, domain.HistorySuppressed, "rate limited", now)
		return true
	}

	destinations := p.destinations[level]
	if len(destinations) == 0 {
		p.deps.Logger.Warn("no destinations for level", "person", p.name, "level", string(level), "alert", alert.Key())
		p.record(ctx, alert, level, domain.HistoryFailed, "no destinations", now)
		return false
	}

	sc := notify.SendContext{
		Recipient:     p.name,
		Level:         level,
		WasSuppressed: wasSuppressed,
		WillSuppress:  willSuppress,
	}
	delivered := make([]string, 0, len(destinations))
	for _, destination := range destinations {
		if p.deps.Deliverer.Send(ctx, destination.Channel, destination.Target, alert, sc) {
			delivered = append(delivered, destination.Channel+":"+destination.Target)
		}
	}
	if len(delivered) == 0 {
		p.record(ctx, alert, level, domain.HistoryFailed, "all destinations failed", now)
		return false
	}
	p.limiter.Record(now)
	p.record(ctx, alert, level, domain.HistorySent, strings.Join(delivered, ","), now)
	return true
}

func (p *Person) record(ctx context.Context, alert *domain.Alert, level domain.Level, kind domain.HistoryKind, detail string, at time.Time) {
	metrics.Notifications.WithLabelValues(string(level), string(kind)).Inc()
	p.deps.Logger.Debug("recipient notification",
		"person", p.name,
		"alert", alert.Key(),
		"level", string(level),
		"result", string(kind),
		"detail", detail,
	)
	if p.deps.History == nil || alert.ID == 0 {
		return
	}
	entry := domain.HistoryEntry{
		AlertRef:  alert.ID,
		Recipient: p.name,
		Level:     level,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: at,
	}
	if err := p.deps.History.Record(ctx, entry); err != nil {
		p.deps.Logger.Error("record notification history failed", "person", p.name, "alert", alert.Key(), "error", err.Error())
	}
}
