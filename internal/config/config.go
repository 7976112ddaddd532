package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"escalator/internal/domain"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "escalator"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultIngestPath          = "/ingest"
	defaultMetricsPath         = "/metrics"
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "escalator.updates"
	defaultNATSIngestStream    = "ESCALATOR_UPDATES"
	defaultNATSIngestConsumer  = "escalator-ingest"
	defaultNATSIngestGroup     = "escalator-workers"
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultQueueSize           = 1024
	defaultDedupTTLSeconds     = 300
	defaultMaxTextBytes        = 8192
	defaultIdleSleepSeconds    = 1200
	defaultIncrementMS         = 100
	defaultStuckAfterSeconds   = 60
	defaultStopTimeoutSeconds  = 10
	defaultFreezeTimeoutSec    = 5
	defaultRestartBurst        = 5
	defaultRestartWindowSec    = 300
	defaultSuperviseIntervalMS = 1000
	defaultHeartbeatSeconds    = 60
	defaultHeartbeatRaiseAfter = 300
	defaultHeartbeatAlertID    = "heartbeat"
	defaultCalendarRefreshSec  = 3600
	defaultCalendarTimeoutSec  = 10
	defaultStoreDriver         = "memory"

	// OverflowDropOldest evicts the oldest queued item when the queue is full.
	OverflowDropOldest = "drop_oldest"
	// OverflowDropNewest rejects the incoming item when the queue is full.
	OverflowDropNewest = "drop_newest"
	// OverflowUnbounded never drops.
	OverflowUnbounded = "unbounded"

	// TransportNATS publishes over NATS.
	TransportNATS = "nats"
	// TransportHTTP posts over HTTP.
	TransportHTTP = "http"

	// NotifyChannelLog writes notifications to the service log.
	NotifyChannelLog = "log"
	// NotifyChannelHTTP identifies generic HTTP webhook transport.
	NotifyChannelHTTP = "http"
	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelNATS publishes notifications to a NATS subject.
	NotifyChannelNATS = "nats"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelLog,
		NotifyChannelHTTP,
		NotifyChannelTelegram,
		NotifyChannelNATS,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelLog: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Log.Enabled },
			retry:     func(cfg NotifyConfig) NotifyRetry { return cfg.Log.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Log.NameTemplate },
		},
		NotifyChannelHTTP: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.HTTP.Enabled },
			retry:     func(cfg NotifyConfig) NotifyRetry { return cfg.HTTP.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.HTTP.NameTemplate },
		},
		NotifyChannelTelegram: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:     func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Telegram.NameTemplate },
		},
		NotifyChannelNATS: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.NATS.Enabled },
			retry:     func(cfg NotifyConfig) NotifyRetry { return cfg.NATS.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.NATS.NameTemplate },
		},
	}
	legacyArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*(person|people_list|alert_group)\s*\]\]`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/templates fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled   func(NotifyConfig) bool
	retry     func(NotifyConfig) NotifyRetry
	templates func(NotifyConfig) []NamedTemplateConfig
}

// Config holds service runtime settings and the escalation policy.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig
	Log         LogConfig
	Store       StoreConfig
	Ingest      IngestConfig
	Scheduler   SchedulerConfig
	Dispatch    QueueConfig
	Workers     WorkersConfig
	Heartbeat   HeartbeatConfig
	Calendar    CalendarConfig
	Metrics     MetricsConfig
	Notify      NotifyConfig
	People      []PersonConfig
	PeopleLists []PeopleListConfig
	AlertGroups []AlertGroupConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: named tables keyed by their TOML key.
type rawConfig struct {
	Service    ServiceConfig               `toml:"service"`
	Log        LogConfig                   `toml:"log"`
	Store      StoreConfig                 `toml:"store"`
	Ingest     IngestConfig                `toml:"ingest"`
	Scheduler  SchedulerConfig             `toml:"scheduler"`
	Dispatch   QueueConfig                 `toml:"dispatch"`
	Workers    WorkersConfig               `toml:"workers"`
	Heartbeat  HeartbeatConfig             `toml:"heartbeat"`
	Calendar   CalendarConfig              `toml:"calendar"`
	Metrics    MetricsConfig               `toml:"metrics"`
	Notify     NotifyConfig                `toml:"notify"`
	Person     map[string]PersonConfig     `toml:"person"`
	PeopleList map[string]PeopleListConfig `toml:"people_list"`
	AlertGroup map[string]AlertGroupConfig `toml:"alert_group"`
}

// ServiceConfig contains process-level settings.
// Params: service name and IANA timezone used by time-window predicates.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name     string `toml:"name"`
	Timezone string `toml:"timezone"`
}

// Location resolves configured timezone.
// Params: none.
// Returns: location, time.Local when timezone is empty or invalid.
func (s ServiceConfig) Location() *time.Location {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StoreConfig selects persistence backend.
// Params: driver (memory/sqlite) and sqlite file path.
// Returns: store options.
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// QueueConfig bounds an in-process FIFO.
// Params: capacity and overflow policy.
// Returns: queue options.
type QueueConfig struct {
	QueueSize int    `toml:"queue_size"`
	Overflow  string `toml:"overflow"`
}

// IngestConfig defines inbound update interfaces.
// Params: queue bounds, dedup TTL, text cap, and embedded HTTP/NATS controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	QueueSize    int              `toml:"queue_size"`
	Overflow     string           `toml:"overflow"`
	DedupTTLSec  int              `toml:"dedup_ttl_sec"`
	MaxTextBytes int              `toml:"max_text_bytes"`
	HTTP         HTTPIngestConfig `toml:"http"`
	NATS         NATSIngestConfig `toml:"nats"`
}

// Queue returns ingest queue bounds.
func (c IngestConfig) Queue() QueueConfig {
	return QueueConfig{QueueSize: c.QueueSize, Overflow: c.Overflow}
}

// HTTPIngestConfig configures the HTTP listener hosting ingest, API, and probes.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, stream routing, and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// SchedulerConfig controls due-event sleeping.
// Params: idle sleep when nothing is due and sleep increment granularity.
// Returns: scheduler timing.
type SchedulerConfig struct {
	IdleSleepSec int `toml:"idle_sleep_sec"`
	IncrementMS  int `toml:"increment_ms"`
}

// WorkersConfig controls worker lifecycle and supervision.
// Params: stuck threshold, stop/freeze timeouts, restart budget, and check interval.
// Returns: supervisor options.
type WorkersConfig struct {
	StuckAfterSec       int `toml:"stuck_after_sec"`
	StopTimeoutSec      int `toml:"stop_timeout_sec"`
	FreezeTimeoutSec    int `toml:"freeze_timeout_sec"`
	RestartBurst        int `toml:"restart_burst"`
	RestartWindowSec    int `toml:"restart_window_sec"`
	SuperviseIntervalMS int `toml:"supervise_interval_ms"`
}

// HeartbeatConfig controls the periodic heartbeat worker.
// Params: interval and optional dead-man update publication target.
// Returns: heartbeat options.
type HeartbeatConfig struct {
	IntervalSec   int      `toml:"interval_sec"`
	Publish       bool     `toml:"publish"`
	Transport     string   `toml:"transport"`
	URL           string   `toml:"url"`
	NATSURL       []string `toml:"nats_url"`
	Subject       string   `toml:"subject"`
	Source        string   `toml:"source"`
	AlertID       string   `toml:"alert_id"`
	RaiseAfterSec int      `toml:"raise_after_sec"`
}

// CalendarConfig configures bank holiday and attendance sources.
// Params: optional YAML file, optional JSON holiday feed URL, refresh and timeout.
// Returns: calendar options.
type CalendarConfig struct {
	File       string `toml:"file"`
	URL        string `toml:"url"`
	RefreshSec int    `toml:"refresh_sec"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// MetricsConfig controls the Prometheus endpoint.
// Params: disable flag and path.
// Returns: metrics options.
type MetricsConfig struct {
	Disabled bool   `toml:"disabled"`
	Path     string `toml:"path"`
}

// NotifyConfig defines outbound delivery channels.
// Params: per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Log      LogNotifier      `toml:"log"`
	HTTP     HTTPNotifier     `toml:"http"`
	Telegram TelegramNotifier `toml:"telegram"`
	NATS     NATSNotifier     `toml:"nats"`
}

// NamedTemplateConfig describes one message template within one channel section.
// Params: template name (an update type or "default") and Go text/template body.
// Returns: template entry selected by alert update type.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	DeadlineMS     int    `toml:"deadline_ms"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// LogNotifier writes notifications to the service log.
// Params: enabled flag, retry policy, and templates.
// Returns: log sender configuration.
type LogNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// HTTPNotifier defines generic outbound webhook endpoint.
// Params: default URL (destinations may override), method, timeout, headers, and retry policy.
// Returns: HTTP notification sender configuration.
type HTTPNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Method       string                `toml:"method"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Headers      map[string]string     `toml:"headers"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: bot token, default chat ID (destinations may override), API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	ChatID       string                `toml:"chat_id"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// NATSNotifier publishes notification JSON to NATS subjects.
// Params: server URLs, default subject (destinations may override), and retry policy.
// Returns: NATS sender configuration.
type NATSNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          []string              `toml:"url"`
	Subject      string                `toml:"subject"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ThresholdConfig allows at most Count notifications per PeriodSec.
type ThresholdConfig struct {
	PeriodSec int `toml:"period_sec"`
	Count     int `toml:"count"`
}

// PersonConfig describes one recipient from `[person.<name>]`.
// Params: per-level "channel:destination" lists and suppression thresholds.
// Returns: recipient definition.
type PersonConfig struct {
	Name     string            `toml:"-"`
	Urgent   []string          `toml:"urgent"`
	Normal   []string          `toml:"normal"`
	Low      []string          `toml:"low"`
	Suppress []ThresholdConfig `toml:"suppress"`
}

// Destinations returns destinations for level.
func (p PersonConfig) Destinations(level domain.Level) []string {
	switch level {
	case domain.LevelUrgent:
		return p.Urgent
	case domain.LevelLow:
		return p.Low
	default:
		return p.Normal
	}
}

// PeopleListConfig describes one recipient group from `[people_list.<name>]`.
// Params: member names (persons or other lists).
// Returns: recipient group definition.
type PeopleListConfig struct {
	Name    string   `toml:"-"`
	Members []string `toml:"members"`
}

// AlertGroupConfig describes one alert group from `[alert_group.<name>]`.
// Params: priority level, tie-break position, match expression, source wildcards, notifications.
// Returns: escalation group definition.
type AlertGroupConfig struct {
	Name     string               `toml:"-"`
	Level    string               `toml:"level"`
	Position int                  `toml:"position"`
	Match    string               `toml:"match"`
	Sources  []string             `toml:"sources"`
	Notify   []NotificationConfig `toml:"notify"`
}

// NotificationConfig describes one `[[alert_group.<name>.notify]]` rule.
// Params: recipients, level override, reminder interval, and time-window expression.
// Returns: notification rule definition.
type NotificationConfig struct {
	To       []string `toml:"to"`
	Level    string   `toml:"level"`
	EverySec int      `toml:"every_sec"`
	During   string   `toml:"during"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, _, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates one TOML document.
// Params: TOML body.
// Returns: validated config or error.
func Parse(body []byte) (Config, error) {
	cfg, _, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Ingest struct {
		HTTP enabledHint `toml:"http"`
		NATS enabledHint `toml:"nats"`
	} `toml:"ingest"`
	Notify struct {
		Log      enabledHint `toml:"log"`
		HTTP     enabledHint `toml:"http"`
		Telegram enabledHint `toml:"telegram"`
		NATS     enabledHint `toml:"nats"`
	} `toml:"notify"`
}

// enabledHint tracks explicit enabled flag in one section.
type enabledHint struct {
	Enabled *bool `toml:"enabled"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with named tables sorted by name.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Store:     raw.Store,
		Ingest:    raw.Ingest,
		Scheduler: raw.Scheduler,
		Dispatch:  raw.Dispatch,
		Workers:   raw.Workers,
		Heartbeat: raw.Heartbeat,
		Calendar:  raw.Calendar,
		Metrics:   raw.Metrics,
		Notify:    raw.Notify,
	}
	for _, name := range sortedKeys(raw.Person) {
		person := raw.Person[name]
		person.Name = name
		cfg.People = append(cfg.People, person)
	}
	for _, name := range sortedKeys(raw.PeopleList) {
		list := raw.PeopleList[name]
		list.Name = name
		cfg.PeopleLists = append(cfg.PeopleLists, list)
	}
	for _, name := range sortedKeys(raw.AlertGroup) {
		group := raw.AlertGroup[name]
		group.Name = name
		cfg.AlertGroups = append(cfg.AlertGroups, group)
	}
	return cfg
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// decode parses one TOML body with merge hints.
// Params: raw TOML body.
// Returns: normalized config and explicit-bool hints.
func decode(body []byte) (Config, configMergeHints, error) {
	if legacyArrayPattern.Match(body) {
		return Config{}, configMergeHints{}, errors.New("array tables for person/people_list/alert_group are not supported; use [<kind>.<name>] tables")
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, err
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints: %w", err)
	}
	return normalizeRawConfig(raw), hints, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config with merge hints or read/decode error.
func loadFile(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, hints, err := decode(body)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if src.Scheduler != (SchedulerConfig{}) {
		dst.Scheduler = src.Scheduler
	}
	if src.Dispatch != (QueueConfig{}) {
		dst.Dispatch = src.Dispatch
	}
	if src.Workers != (WorkersConfig{}) {
		dst.Workers = src.Workers
	}
	if src.Calendar != (CalendarConfig{}) {
		dst.Calendar = src.Calendar
	}
	if src.Metrics != (MetricsConfig{}) {
		dst.Metrics = src.Metrics
	}
	if hasHeartbeatConfig(src.Heartbeat) {
		dst.Heartbeat = src.Heartbeat
	}
	mergeIngestConfig(&dst.Ingest, src.Ingest, hints)
	mergeNotifyConfig(&dst.Notify, src.Notify, hints)
	dst.People = append(dst.People, src.People...)
	dst.PeopleLists = append(dst.PeopleLists, src.PeopleLists...)
	dst.AlertGroups = append(dst.AlertGroups, src.AlertGroups...)
}

// mergeIngestConfig overlays ingest fragment preserving sibling sections.
// Params: destination ingest config, fragment, and explicit-bool hints.
// Returns: merged ingest side-effect in dst.
func mergeIngestConfig(dst *IngestConfig, src IngestConfig, hints configMergeHints) {
	if src.QueueSize != 0 {
		dst.QueueSize = src.QueueSize
	}
	if src.Overflow != "" {
		dst.Overflow = src.Overflow
	}
	if src.DedupTTLSec != 0 {
		dst.DedupTTLSec = src.DedupTTLSec
	}
	if src.MaxTextBytes != 0 {
		dst.MaxTextBytes = src.MaxTextBytes
	}
	if src.HTTP != (HTTPIngestConfig{}) || hints.Ingest.HTTP.Enabled != nil {
		dst.HTTP = src.HTTP
	}
	if hasNATSIngestConfig(src.NATS) || hints.Ingest.NATS.Enabled != nil {
		dst.NATS = src.NATS
	}
}

// mergeNotifyConfig overlays notify channel sections that the fragment mentions.
// Params: destination notify config, fragment, and explicit-bool hints.
// Returns: merged notify side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints configMergeHints) {
	if hasNotifierConfig(src.Log.Retry, src.Log.NameTemplate) || hints.Notify.Log.Enabled != nil || src.Log.Enabled {
		dst.Log = src.Log
	}
	if src.HTTP.URL != "" || hasNotifierConfig(src.HTTP.Retry, src.HTTP.NameTemplate) || hints.Notify.HTTP.Enabled != nil || src.HTTP.Enabled {
		dst.HTTP = src.HTTP
	}
	if src.Telegram.BotToken != "" || hasNotifierConfig(src.Telegram.Retry, src.Telegram.NameTemplate) || hints.Notify.Telegram.Enabled != nil || src.Telegram.Enabled {
		dst.Telegram = src.Telegram
	}
	if len(src.NATS.URL) > 0 || src.NATS.Subject != "" || hasNotifierConfig(src.NATS.Retry, src.NATS.NameTemplate) || hints.Notify.NATS.Enabled != nil || src.NATS.Enabled {
		dst.NATS = src.NATS
	}
}

func hasNotifierConfig(retry NotifyRetry, templates []NamedTemplateConfig) bool {
	return retry != (NotifyRetry{}) || len(templates) > 0
}

func hasNATSIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled || len(cfg.URL) > 0 || cfg.Subject != "" || cfg.Stream != "" ||
		cfg.ConsumerName != "" || cfg.DeliverGroup != "" || cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 || cfg.MaxDeliver != 0 || cfg.MaxAckPending != 0
}

func hasHeartbeatConfig(cfg HeartbeatConfig) bool {
	return cfg.IntervalSec != 0 || cfg.Publish || cfg.Transport != "" || cfg.URL != "" ||
		len(cfg.NATSURL) > 0 || cfg.Subject != "" || cfg.Source != "" || cfg.AlertID != "" || cfg.RaiseAfterSec != 0
}

// applyDefaults fills omitted settings.
// Params: config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaultStoreDriver
	}

	fillQueueDefaults(&cfg.Ingest.QueueSize, &cfg.Ingest.Overflow)
	fillQueueDefaults(&cfg.Dispatch.QueueSize, &cfg.Dispatch.Overflow)
	if cfg.Ingest.DedupTTLSec <= 0 {
		cfg.Ingest.DedupTTLSec = defaultDedupTTLSeconds
	}
	if cfg.Ingest.MaxTextBytes <= 0 {
		cfg.Ingest.MaxTextBytes = defaultMaxTextBytes
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IngestPath) == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}
	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}
	fillNATSIngestDefaults(&cfg.Ingest.NATS)

	if cfg.Scheduler.IdleSleepSec <= 0 {
		cfg.Scheduler.IdleSleepSec = defaultIdleSleepSeconds
	}
	if cfg.Scheduler.IncrementMS <= 0 {
		cfg.Scheduler.IncrementMS = defaultIncrementMS
	}

	if cfg.Workers.StuckAfterSec <= 0 {
		cfg.Workers.StuckAfterSec = defaultStuckAfterSeconds
	}
	if cfg.Workers.StopTimeoutSec <= 0 {
		cfg.Workers.StopTimeoutSec = defaultStopTimeoutSeconds
	}
	if cfg.Workers.FreezeTimeoutSec <= 0 {
		cfg.Workers.FreezeTimeoutSec = defaultFreezeTimeoutSec
	}
	if cfg.Workers.RestartBurst <= 0 {
		cfg.Workers.RestartBurst = defaultRestartBurst
	}
	if cfg.Workers.RestartWindowSec <= 0 {
		cfg.Workers.RestartWindowSec = defaultRestartWindowSec
	}
	if cfg.Workers.SuperviseIntervalMS <= 0 {
		cfg.Workers.SuperviseIntervalMS = defaultSuperviseIntervalMS
	}

	if cfg.Heartbeat.IntervalSec <= 0 {
		cfg.Heartbeat.IntervalSec = defaultHeartbeatSeconds
	}
	cfg.Heartbeat.Transport = strings.ToLower(strings.TrimSpace(cfg.Heartbeat.Transport))
	if cfg.Heartbeat.Transport == "" {
		cfg.Heartbeat.Transport = TransportNATS
	}
	if cfg.Heartbeat.Subject == "" {
		cfg.Heartbeat.Subject = cfg.Ingest.NATS.Subject
	}
	cfg.Heartbeat.NATSURL = normalizeNATSURLs(cfg.Heartbeat.NATSURL)
	if len(cfg.Heartbeat.NATSURL) == 0 {
		cfg.Heartbeat.NATSURL = append([]string(nil), cfg.Ingest.NATS.URL...)
	}
	if cfg.Heartbeat.Source == "" {
		cfg.Heartbeat.Source = cfg.Service.Name
	}
	if cfg.Heartbeat.AlertID == "" {
		cfg.Heartbeat.AlertID = defaultHeartbeatAlertID
	}
	if cfg.Heartbeat.RaiseAfterSec <= 0 {
		cfg.Heartbeat.RaiseAfterSec = defaultHeartbeatRaiseAfter
	}

	if cfg.Calendar.RefreshSec <= 0 {
		cfg.Calendar.RefreshSec = defaultCalendarRefreshSec
	}
	if cfg.Calendar.TimeoutSec <= 0 {
		cfg.Calendar.TimeoutSec = defaultCalendarTimeoutSec
	}
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}

	fillNotifyRetryDefaults(&cfg.Notify.Log.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = 10
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	cfg.Notify.NATS.URL = normalizeNATSURLs(cfg.Notify.NATS.URL)
	if len(cfg.Notify.NATS.URL) == 0 {
		cfg.Notify.NATS.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
	}
	fillNotifyRetryDefaults(&cfg.Notify.NATS.Retry)

	for i := range cfg.AlertGroups {
		group := &cfg.AlertGroups[i]
		group.Level = strings.ToLower(strings.TrimSpace(group.Level))
		if group.Level == "" {
			group.Level = string(domain.LevelNormal)
		}
		for j := range group.Notify {
			notification := &group.Notify[j]
			notification.Level = strings.ToLower(strings.TrimSpace(notification.Level))
			if notification.Level == "" {
				notification.Level = group.Level
			}
		}
	}
}

func fillQueueDefaults(size *int, overflow *string) {
	if *size <= 0 {
		*size = defaultQueueSize
	}
	*overflow = strings.ToLower(strings.TrimSpace(*overflow))
	if *overflow == "" {
		*overflow = OverflowDropOldest
	}
}

// fillNATSIngestDefaults normalizes JetStream consumer defaults.
// Params: NATS ingest config pointer.
// Returns: defaults applied in place.
func fillNATSIngestDefaults(cfg *NATSIngestConfig) {
	cfg.URL = normalizeNATSURLs(cfg.URL)
	if len(cfg.URL) == 0 {
		cfg.URL = []string{defaultNATSURL}
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultNATSSubject
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultNATSIngestStream
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = defaultNATSIngestConsumer
	}
	if cfg.DeliverGroup == "" {
		cfg.DeliverGroup = defaultNATSIngestGroup
	}
	if cfg.AckWaitSec <= 0 {
		cfg.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.NackDelayMS < 0 {
		cfg.NackDelayMS = 0
	}
	if cfg.NackDelayMS == 0 {
		cfg.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = defaultNATSMaxAckPending
	}
}

// Delivery bounds applied when a channel leaves them unset. One send never
// holds the dispatch worker longer than the deadline.
const (
	DefaultRetryMaxAttempts = 3
	DefaultSendDeadlineMS   = 30000
)

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if retry.DeadlineMS <= 0 {
		retry.DeadlineMS = DefaultSendDeadlineMS
	}
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// CompileWildcardPattern converts wildcard syntax (*, ?) into regex and compiles it.
// Params: wildcard expression from alert group sources.
// Returns: compiled regex matched against lowercase input.
func CompileWildcardPattern(pattern string) (*regexp.Regexp, error) {
	replacer := strings.NewReplacer(
		".", "\\.",
		"+", "\\+",
		"(", "\\(",
		")", "\\)",
		"[", "\\[",
		"]", "\\]",
		"{", "\\{",
		"}", "\\}",
		"^", "\\^",
		"$", "\\$",
		"|", "\\|",
	)
	normalized := replacer.Replace(strings.ToLower(pattern))
	normalized = strings.ReplaceAll(normalized, "*", ".*")
	normalized = strings.ReplaceAll(normalized, "?", ".")
	return regexp.Compile("^" + normalized + "$")
}

// SplitDestination parses "channel:destination".
// Params: raw destination string; text after the first colon may be empty.
// Returns: normalized channel, destination, and ok flag.
func SplitDestination(raw string) (string, string, bool) {
	channel, target, found := strings.Cut(strings.TrimSpace(raw), ":")
	channel = NormalizeNotifyChannel(channel)
	if channel == "" {
		return "", "", false
	}
	if !found {
		return channel, "", true
	}
	return channel, strings.TrimSpace(target), true
}

// NormalizeNotifyChannel canonicalizes notify channel keys.
// Params: raw channel name from config.
// Returns: normalized lowercase channel key.
func NormalizeNotifyChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// IsSupportedOverflow reports whether overflow policy is known.
func IsSupportedOverflow(policy string) bool {
	switch policy {
	case OverflowDropOldest, OverflowDropNewest, OverflowUnbounded:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns deterministic list of supported channel keys.
// Params: none.
// Returns: ordered channel key list.
func NotifyChannelNames() []string {
	out := make([]string, len(notifyChannelOrder))
	copy(out, notifyChannelOrder)
	return out
}

// IsSupportedNotifyChannel reports whether channel key is supported.
// Params: normalized channel key.
// Returns: true when channel is one of known transports.
func IsSupportedNotifyChannel(channel string) bool {
	_, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return exists
}

// NotifyChannelEnabled checks if channel transport is enabled globally.
// Params: global notify config and normalized channel key.
// Returns: true when corresponding transport section is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.enabled == nil {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
// Params: global notify config and channel key.
// Returns: retry policy for channel transport.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.retry == nil {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelTemplates returns template catalog for one channel.
// Params: global notify config and channel key.
// Returns: channel template list copy.
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.templates == nil {
		return nil
	}
	return append([]NamedTemplateConfig(nil), descriptor.templates(cfg)...)
}

func notifyChannelDescriptorByName(channel string) (notifyChannelDescriptor, bool) {
	descriptor, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return descriptor, exists
}
