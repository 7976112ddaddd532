package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/metrics"
	"escalator/internal/permanent"
	"escalator/internal/templatefmt"
)

const defaultTemplateName = "default"

// SendContext carries per-recipient facts rendered into the message.
// Params: recipient name, delivery level, and throttle flags.
// Returns: rendering context for one destination.
type SendContext struct {
	Recipient     string
	Level         domain.Level
	WasSuppressed bool
	WillSuppress  bool
}

// Message is the rendered notification handed to one channel sender.
// Params: routing fields, alert snapshot, and rendered text.
// Returns: sender payload.
type Message struct {
	Channel       string
	Destination   string
	Recipient     string
	Level         domain.Level
	Alert         *domain.Alert
	Text          string
	WasSuppressed bool
	WillSuppress  bool
	Now           time.Time
}

// ChannelSender sends one rendered message to one channel.
// Params: context and message payload.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, message Message) error
}

// Dispatcher delivers alerts to "channel:destination" targets with per-channel retries.
// Params: sender set, retry policy, templates, logger, and clock.
// Returns: delivery capability used by recipients.
type Dispatcher struct {
	senders   map[string]ChannelSender
	channels  []string
	retries   map[string]config.NotifyRetry
	templates map[string]*template.Template
	logger    *slog.Logger
	clock     clock.Clock
}

// NewDispatcher builds dispatcher from enabled channels.
// Params: notify config, logger, and clock.
// Returns: configured dispatcher or template/sender setup error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger, clk clock.Clock) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	d := &Dispatcher{
		senders:   make(map[string]ChannelSender),
		retries:   make(map[string]config.NotifyRetry),
		templates: make(map[string]*template.Template),
		logger:    logger,
		clock:     clk,
	}
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender, err := newSenderForChannel(channel, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("notify.%s: %w", channel, err)
		}
		if err := d.Register(sender, config.NotifyChannelRetry(cfg, channel), config.NotifyChannelTemplates(cfg, channel)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds or replaces one channel sender with its retry policy and templates.
// Params: sender, retry policy, and named templates.
// Returns: template parse error.
func (d *Dispatcher) Register(sender ChannelSender, retry config.NotifyRetry, templates []config.NamedTemplateConfig) error {
	channel := config.NormalizeNotifyChannel(sender.Channel())
	for _, templateConfig := range templates {
		name := strings.ToLower(strings.TrimSpace(templateConfig.Name))
		if name == "" {
			continue
		}
		parsed, err := templatefmt.ParseNotificationTemplate("notify."+channel+".name-template."+name, templateConfig.Message)
		if err != nil {
			return fmt.Errorf("notify.%s.name-template %q: %w", channel, name, err)
		}
		d.templates[templateKey(channel, name)] = parsed
	}
	if _, exists := d.senders[channel]; !exists {
		d.channels = append(d.channels, channel)
		sort.Strings(d.channels)
	}
	d.senders[channel] = sender
	d.retries[channel] = retry
	return nil
}

func newSenderForChannel(channel string, cfg config.NotifyConfig, logger *slog.Logger) (ChannelSender, error) {
	switch channel {
	case config.NotifyChannelLog:
		return NewLogSender(logger), nil
	case config.NotifyChannelHTTP:
		return NewHTTPSender(cfg.HTTP), nil
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelNATS:
		return NewNATSSender(cfg.NATS), nil
	default:
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: sorted sender keys.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.channels...)
}

// Send renders and delivers one alert to one destination.
// Params: channel key, channel-specific destination, alert snapshot, and recipient context.
// Returns: true on delivery; failures are logged and reported as false.
func (d *Dispatcher) Send(ctx context.Context, channel, destination string, alert *domain.Alert, sc SendContext) (ok bool) {
	channel = config.NormalizeNotifyChannel(channel)
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("notify sender panicked", "channel", channel, "destination", destination, "panic", fmt.Sprint(recovered))
			ok = false
		}
		result := "ok"
		if !ok {
			result = "failed"
		}
		metrics.DeliveryDuration.WithLabelValues(channel, result).Observe(time.Since(started).Seconds())
	}()

	sender, exists := d.senders[channel]
	if !exists {
		d.logger.Warn("notify channel is not configured", "channel", channel, "recipient", sc.Recipient)
		return false
	}
	message := Message{
		Channel:       channel,
		Destination:   destination,
		Recipient:     sc.Recipient,
		Level:         sc.Level,
		Alert:         alert,
		WasSuppressed: sc.WasSuppressed,
		WillSuppress:  sc.WillSuppress,
		Now:           d.clock.Now(),
	}
	text, err := d.render(message)
	if err != nil {
		d.logger.Error("notify render failed", "channel", channel, "alert", alert.Key(), "error", err.Error())
		return false
	}
	message.Text = text

	retry := d.retries[channel]
	deadline := time.Duration(retry.DeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = config.DefaultSendDeadlineMS * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := d.sendWithRetry(ctx, sender, message, retry); err != nil {
		d.logger.Warn("notify delivery failed",
			"channel", channel,
			"destination", destination,
			"recipient", sc.Recipient,
			"alert", alert.Key(),
			"error", err.Error(),
		)
		return false
	}
	return true
}

// render picks the template named after the update type, then "default", then the built-in text.
func (d *Dispatcher) render(message Message) (string, error) {
	tmpl := d.templates[templateKey(message.Channel, string(message.Alert.UpdateType))]
	if tmpl == nil {
		tmpl = d.templates[templateKey(message.Channel, defaultTemplateName)]
	}
	if tmpl == nil {
		var err error
		tmpl, err = templatefmt.ParseNotificationTemplate(defaultTemplateName, templatefmt.DefaultMessage)
		if err != nil {
			return "", err
		}
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, message); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return rendered.String(), nil
}

// sendWithRetry sends one message with channel-specific retry policy.
// Attempts stop at the attempt cap or when ctx expires, whichever comes first.
// Params: sender, payload, and retry policy.
// Returns: final error wrapped as domain.ErrDeliveryFailure.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, message Message, retry config.NotifyRetry) error {
	if !retry.Enabled {
		if err := sender.Send(ctx, message); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err)
		}
		return nil
	}

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultRetryMaxAttempts
	}
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		err := sender.Send(ctx, message)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return fmt.Errorf("channel %s: %w", sender.Channel(), err)
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: channel %s failed after %d attempts: %w", domain.ErrDeliveryFailure, sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, ctx.Err())
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

// errEmptyDestination is returned when neither the destination nor the channel default is set.
var errEmptyDestination = permanent.Mark(errors.New("destination is empty and no channel default is configured"))

// Close releases sender connections.
// Params: none.
// Returns: joined close errors.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, channel := range d.channels {
		if closer, ok := d.senders[channel].(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s sender: %w", channel, err))
			}
		}
	}
	return errors.Join(errs...)
}
