package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"escalator/internal/domain"
	"escalator/internal/during"
	"escalator/internal/templatefmt"
)

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error found.
func validateConfig(cfg Config) error {
	if len(cfg.AlertGroups) == 0 {
		return errors.New("at least one alert_group is required")
	}
	if tz := strings.TrimSpace(cfg.Service.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("service.timezone %q: %w", tz, err)
		}
	}
	if err := validateStore(cfg.Store); err != nil {
		return err
	}
	if err := validateIngest(cfg.Ingest); err != nil {
		return err
	}
	if !IsSupportedOverflow(cfg.Dispatch.Overflow) {
		return fmt.Errorf("dispatch.overflow has unsupported value %q", cfg.Dispatch.Overflow)
	}
	if cfg.Scheduler.IncrementMS > cfg.Scheduler.IdleSleepSec*1000 {
		return errors.New("scheduler.increment_ms must not exceed scheduler.idle_sleep_sec")
	}
	if err := validateHeartbeat(cfg.Heartbeat); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}

	recipients, err := validateRecipients(cfg)
	if err != nil {
		return err
	}
	groupNames := make(map[string]struct{}, len(cfg.AlertGroups))
	for _, group := range cfg.AlertGroups {
		if _, exists := groupNames[group.Name]; exists {
			return fmt.Errorf("duplicate alert_group name %q", group.Name)
		}
		groupNames[group.Name] = struct{}{}
		if err := validateAlertGroup(group, recipients); err != nil {
			return fmt.Errorf("alert_group.%s: %w", group.Name, err)
		}
	}
	return nil
}

func validateStore(cfg StoreConfig) error {
	switch cfg.Driver {
	case "memory":
		return nil
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("store.path is required when store.driver=sqlite")
		}
		return nil
	default:
		return fmt.Errorf("store.driver has unsupported value %q", cfg.Driver)
	}
}

func validateIngest(cfg IngestConfig) error {
	if !IsSupportedOverflow(cfg.Overflow) {
		return fmt.Errorf("ingest.overflow has unsupported value %q", cfg.Overflow)
	}
	for name, path := range map[string]string{
		"ingest.http.health_path": cfg.HTTP.HealthPath,
		"ingest.http.ready_path":  cfg.HTTP.ReadyPath,
		"ingest.http.ingest_path": cfg.HTTP.IngestPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, path)
		}
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	if !cfg.NATS.Enabled {
		return nil
	}
	for i, url := range cfg.NATS.URL {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("ingest.nats.url[%d] is empty", i)
		}
	}
	if cfg.NATS.MaxDeliver == 0 || cfg.NATS.MaxDeliver < -1 {
		return errors.New("ingest.nats.max_deliver must be -1 or >0")
	}
	return nil
}

func validateHeartbeat(cfg HeartbeatConfig) error {
	if !cfg.Publish {
		return nil
	}
	switch cfg.Transport {
	case TransportNATS:
		if len(cfg.NATSURL) == 0 || strings.TrimSpace(cfg.Subject) == "" {
			return errors.New("heartbeat.nats_url and heartbeat.subject are required when heartbeat.transport=nats")
		}
	case TransportHTTP:
		if strings.TrimSpace(cfg.URL) == "" {
			return errors.New("heartbeat.url is required when heartbeat.transport=http")
		}
	default:
		return fmt.Errorf("heartbeat.transport has unsupported value %q", cfg.Transport)
	}
	if cfg.RaiseAfterSec <= cfg.IntervalSec {
		return errors.New("heartbeat.raise_after_sec must exceed heartbeat.interval_sec")
	}
	return nil
}

func validateNotify(cfg NotifyConfig) error {
	enabled := 0
	for _, channel := range NotifyChannelNames() {
		if NotifyChannelEnabled(cfg, channel) {
			enabled++
		}
		if err := validateChannelTemplates(channel, NotifyChannelTemplates(cfg, channel)); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return errors.New("at least one notify channel must be enabled")
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	if cfg.NATS.Enabled && len(cfg.NATS.URL) == 0 {
		return errors.New("notify.nats.url is required when notify.nats.enabled=true")
	}
	return nil
}

// validateChannelTemplates validates one channel template list.
// Params: channel name and raw template list.
// Returns: validation error when one template entry is invalid.
func validateChannelTemplates(channel string, templates []NamedTemplateConfig) error {
	pathPrefix := "notify." + channel + ".name-template"
	seen := make(map[string]struct{}, len(templates))
	for i, templateConfig := range templates {
		name := strings.ToLower(strings.TrimSpace(templateConfig.Name))
		if name == "" {
			return fmt.Errorf("%s[%d].name is required", pathPrefix, i)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("duplicate %s name %q", pathPrefix, name)
		}
		seen[name] = struct{}{}
		if err := validateMessageTemplate(fmt.Sprintf("%s[%d].message", pathPrefix, i), templateConfig.Message); err != nil {
			return err
		}
	}
	return nil
}

// validateRecipients checks persons and people lists, including list cycles.
// Params: full config.
// Returns: set of resolvable recipient names or validation error.
func validateRecipients(cfg Config) (map[string]struct{}, error) {
	names := make(map[string]struct{}, len(cfg.People)+len(cfg.PeopleLists))
	for _, person := range cfg.People {
		if _, exists := names[person.Name]; exists {
			return nil, fmt.Errorf("duplicate person name %q", person.Name)
		}
		names[person.Name] = struct{}{}
		if err := validatePerson(person, cfg.Notify); err != nil {
			return nil, fmt.Errorf("person.%s: %w", person.Name, err)
		}
	}
	lists := make(map[string][]string, len(cfg.PeopleLists))
	for _, list := range cfg.PeopleLists {
		if _, exists := names[list.Name]; exists {
			return nil, fmt.Errorf("people_list name %q clashes with another recipient", list.Name)
		}
		names[list.Name] = struct{}{}
		lists[list.Name] = list.Members
	}
	for _, list := range cfg.PeopleLists {
		for _, member := range list.Members {
			if _, ok := names[member]; !ok {
				return nil, fmt.Errorf("people_list.%s: unknown member %q", list.Name, member)
			}
		}
	}
	if cycle := findListCycle(lists); cycle != nil {
		return nil, fmt.Errorf("people_list cycle: %s", strings.Join(cycle, " -> "))
	}
	return names, nil
}

func validatePerson(person PersonConfig, notify NotifyConfig) error {
	total := 0
	for _, level := range domain.Levels {
		for i, raw := range person.Destinations(level) {
			channel, _, ok := SplitDestination(raw)
			if !ok {
				return fmt.Errorf("%s[%d] %q must be channel:destination", level, i, raw)
			}
			if !IsSupportedNotifyChannel(channel) {
				return fmt.Errorf("%s[%d] has unsupported channel %q", level, i, channel)
			}
			if !NotifyChannelEnabled(notify, channel) {
				return fmt.Errorf("%s[%d] channel %q is disabled in [notify.%s]", level, i, channel, channel)
			}
			total++
		}
	}
	if total == 0 {
		return errors.New("at least one destination is required")
	}
	for i, threshold := range person.Suppress {
		if threshold.PeriodSec <= 0 || threshold.Count <= 0 {
			return fmt.Errorf("suppress[%d] period_sec and count must be >0", i)
		}
	}
	return nil
}

// findListCycle returns the first membership cycle among people lists.
// Params: list name to members.
// Returns: cycle path ending at its start, or nil.
func findListCycle(lists map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(lists))
	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case visiting:
			for i, entry := range path {
				if entry == name {
					return append(append([]string(nil), path[i:]...), name)
				}
			}
			return []string{name, name}
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, member := range lists[name] {
			if _, isList := lists[member]; !isList {
				continue
			}
			if cycle := visit(member); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}
	for _, name := range sortedKeys(lists) {
		if cycle := visit(name); cycle != nil {
			return cycle
		}
	}
	return nil
}

func validateAlertGroup(group AlertGroupConfig, recipients map[string]struct{}) error {
	if _, err := domain.ParseLevel(group.Level); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	if _, err := during.Compile(group.Match); err != nil {
		return fmt.Errorf("match: %w", err)
	}
	for i, pattern := range group.Sources {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("sources[%d] is empty", i)
		}
		if _, err := CompileWildcardPattern(pattern); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	if len(group.Notify) == 0 {
		return errors.New("at least one notify entry is required")
	}
	for i, notification := range group.Notify {
		if len(notification.To) == 0 {
			return fmt.Errorf("notify[%d].to is required", i)
		}
		for _, name := range notification.To {
			if _, ok := recipients[name]; !ok {
				return fmt.Errorf("notify[%d].to: unknown recipient %q", i, name)
			}
		}
		if _, err := domain.ParseLevel(notification.Level); err != nil {
			return fmt.Errorf("notify[%d].level: %w", i, err)
		}
		if notification.EverySec < 0 {
			return fmt.Errorf("notify[%d].every_sec must be >=0", i)
		}
		if _, err := during.Compile(notification.During); err != nil {
			return fmt.Errorf("notify[%d].during: %w", i, err)
		}
	}
	return nil
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}
