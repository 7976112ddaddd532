// Package escalation decides which recipients hear about an alert change
// and when they are reminded.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/during"
	"escalator/internal/recipient"
)

// AlertGroup selects alerts and lists the notification rules that apply to them.
type AlertGroup struct {
	Name          string
	Level         domain.Level
	Position      int
	Sources       []*regexp.Regexp
	Match         during.Predicate
	Notifications []*Notification
}

// Matches reports whether alert belongs to the group at now.
// Params: alert, current instant, calendar, and evaluation location.
// Returns: true when a source pattern (if any) and the match predicate agree.
func (g *AlertGroup) Matches(alert *domain.Alert, now time.Time, cal during.Calendar, loc *time.Location) bool {
	if len(g.Sources) > 0 {
		source := strings.ToLower(alert.Source)
		matched := false
		for _, pattern := range g.Sources {
			if pattern.MatchString(source) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return during.NewEvaluator(g.Match, alert, cal, loc).IsActive(now)
}

// Notification is one rule of a group: who, at what level, how often, and when.
type Notification struct {
	Rule       string
	Recipients []string
	Level      domain.Level
	Every      time.Duration
	During     during.Predicate
}

// Notify sends alert to every resolved recipient not yet in alreadySent while During is active.
// Params: context, alert, recipients directory, evaluator bound to During, now, and the de-bounce set.
// Returns: updated set, or a resolution error with the set unchanged.
func (n *Notification) Notify(
	ctx context.Context,
	alert *domain.Alert,
	directory *recipient.Directory,
	evaluator *during.Evaluator,
	now time.Time,
	alreadySent map[string]struct{},
) (map[string]struct{}, error) {
	if alreadySent == nil {
		alreadySent = make(map[string]struct{})
	}
	recipients, err := directory.Resolve(n.Recipients)
	if err != nil {
		return alreadySent, fmt.Errorf("rule %s: %w", n.Rule, err)
	}
	if !evaluator.IsActive(now) {
		return alreadySent, nil
	}
	for _, r := range recipients {
		if _, sent := alreadySent[r.Name()]; sent {
			continue
		}
		if r.SendAlert(ctx, n.Level, alert) {
			alreadySent[r.Name()] = struct{}{}
		}
	}
	return alreadySent, nil
}

// RemindAtNext returns when this rule should fire again for alert.
// Params: alert, evaluator bound to During, and now.
// Returns: next reminder time, false when the alert is not raised, Every is unset,
// or no activation happens within the search horizon.
func (n *Notification) RemindAtNext(alert *domain.Alert, evaluator *during.Evaluator, now time.Time) (time.Time, bool) {
	if !alert.IsRaised() || n.Every <= 0 {
		return time.Time{}, false
	}
	if evaluator.IsActive(now) {
		return evaluator.FindNext(now, n.Every)
	}
	return evaluator.FindNext(now, 0)
}

// BuildGroups compiles validated alert group configuration.
// Params: alert group configs and the logger for expression runtime errors.
// Returns: groups in configuration order, or compile error.
func BuildGroups(configs []config.AlertGroupConfig, logger *slog.Logger) ([]*AlertGroup, error) {
	groups := make([]*AlertGroup, 0, len(configs))
	for _, cfg := range configs {
		level, err := domain.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("alert_group.%s: %w", cfg.Name, err)
		}
		match, err := during.Compile(cfg.Match, during.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("alert_group.%s match: %w", cfg.Name, err)
		}
		group := &AlertGroup{Name: cfg.Name, Level: level, Position: cfg.Position, Match: match}
		for _, pattern := range cfg.Sources {
			re, err := config.CompileWildcardPattern(pattern)
			if err != nil {
				return nil, fmt.Errorf("alert_group.%s source %q: %w", cfg.Name, pattern, err)
			}
			group.Sources = append(group.Sources, re)
		}
		for i, notifyCfg := range cfg.Notify {
			notification, err := buildNotification(cfg.Name, i, notifyCfg, level, logger)
			if err != nil {
				return nil, err
			}
			group.Notifications = append(group.Notifications, notification)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func buildNotification(group string, index int, cfg config.NotificationConfig, groupLevel domain.Level, logger *slog.Logger) (*Notification, error) {
	level := groupLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := domain.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("alert_group.%s notify[%d]: %w", group, index, err)
		}
		level = parsed
	}
	predicate, err := during.Compile(cfg.During, during.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("alert_group.%s notify[%d] during: %w", group, index, err)
	}
	return &Notification{
		Rule:       RuleKey(group, index),
		Recipients: append([]string(nil), cfg.To...),
		Level:      level,
		Every:      time.Duration(cfg.EverySec) * time.Second,
		During:     predicate,
	}, nil
}

// RuleKey names the index-th notification of group.
func RuleKey(group string, index int) string {
	return fmt.Sprintf("%s#%d", group, index)
}
