package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"escalator/internal/config"
	"escalator/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/nats-io/nats.go"
)

// Payload is the JSON body sent by the http and nats channels.
type Payload struct {
	Recipient      string    `json:"recipient"`
	Level          string    `json:"level"`
	UpdateType     string    `json:"update_type"`
	Source         string    `json:"source"`
	AlertID        string    `json:"alert_id"`
	Subject        string    `json:"subject,omitempty"`
	Summary        string    `json:"summary"`
	Detail         string    `json:"detail,omitempty"`
	Importance     int       `json:"importance"`
	RaisedAt       time.Time `json:"raised_at,omitzero"`
	ClearedAt      time.Time `json:"cleared_at,omitzero"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	Text           string    `json:"text"`
	WillSuppress   bool      `json:"will_suppress"`
	SentAt         time.Time `json:"sent_at"`
}

// NewPayload flattens a message into its wire form.
func NewPayload(message Message) Payload {
	payload := Payload{
		Recipient:    message.Recipient,
		Level:        string(message.Level),
		Text:         message.Text,
		WillSuppress: message.WillSuppress,
		SentAt:       message.Now.UTC(),
	}
	if alert := message.Alert; alert != nil {
		payload.UpdateType = string(alert.UpdateType)
		payload.Source = alert.Source
		payload.AlertID = alert.AlertID
		payload.Subject = alert.Subject
		payload.Summary = alert.Summary
		payload.Detail = alert.Detail
		payload.Importance = alert.Importance
		payload.RaisedAt = alert.RaisedAt
		payload.ClearedAt = alert.ClearedAt
		payload.AcknowledgedBy = alert.AcknowledgedBy
	}
	return payload
}

// LogSender writes rendered notifications to the service log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates log channel sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify.log")}
}

// Channel returns sender channel name.
func (s *LogSender) Channel() string {
	return config.NotifyChannelLog
}

// Send logs one message at info level.
func (s *LogSender) Send(ctx context.Context, message Message) error {
	s.logger.InfoContext(ctx, "notification",
		"destination", message.Destination,
		"recipient", message.Recipient,
		"level", string(message.Level),
		"alert", message.Alert.Key(),
		"update_type", string(message.Alert.UpdateType),
		"text", message.Text,
	)
	return nil
}

// HTTPSender posts notification JSON to a webhook.
// Params: default URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates generic HTTP sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
func (s *HTTPSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers the JSON payload to the destination URL, or the configured default.
// Params: context and message.
// Returns: transport error, or a permanent error for non-retryable 4xx responses.
func (s *HTTPSender) Send(ctx context.Context, message Message) error {
	target := strings.TrimSpace(message.Destination)
	if target == "" {
		target = strings.TrimSpace(s.cfg.URL)
	}
	if target == "" {
		return errEmptyDestination
	}
	body, err := json.Marshal(NewPayload(message))
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode http notify payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	statusErr := unexpectedHTTPStatusError("http notify", response)
	if isPermanentStatus(response.StatusCode) {
		return permanent.Mark(statusErr)
	}
	return statusErr
}

// isPermanentStatus reports client errors that a retry will not fix.
func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// TelegramSender sends notifications through the Telegram Bot API.
// Params: bot client and default chat id.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client        *tgbot.Bot
	defaultChatID string
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: initialized sender or bot setup error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{client: client, defaultChatID: strings.TrimSpace(cfg.ChatID)}, nil
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one message to the destination chat, or the configured default chat.
// Params: context and message.
// Returns: transport or API error.
func (s *TelegramSender) Send(ctx context.Context, message Message) error {
	chatID := strings.TrimSpace(message.Destination)
	if chatID == "" {
		chatID = s.defaultChatID
	}
	if chatID == "" {
		return errEmptyDestination
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(chatID),
		Text:      message.Text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps @channel names as string.
func normalizeChatID(raw string) any {
	if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return numeric
	}
	return raw
}

// NATSSender publishes notification JSON to a NATS subject.
// Params: server URLs and default subject; the connection is opened on first use.
// Returns: NATS channel sender.
type NATSSender struct {
	cfg config.NATSNotifier

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSSender creates NATS sender.
func NewNATSSender(cfg config.NATSNotifier) *NATSSender {
	return &NATSSender{cfg: cfg}
}

// Channel returns sender channel name.
func (s *NATSSender) Channel() string {
	return config.NotifyChannelNATS
}

// Send publishes the payload and flushes so that server errors surface here.
// Params: context and message; destination is the subject.
// Returns: connect or publish error.
func (s *NATSSender) Send(ctx context.Context, message Message) error {
	subject := strings.TrimSpace(message.Destination)
	if subject == "" {
		subject = strings.TrimSpace(s.cfg.Subject)
	}
	if subject == "" {
		return errEmptyDestination
	}
	body, err := json.Marshal(NewPayload(message))
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode nats notify payload: %w", err))
	}
	conn, err := s.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, body); err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	if err := conn.FlushTimeout(flushTimeout(ctx)); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// flushTimeout honours the context deadline, falling back to a fixed bound.
func flushTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return 5 * time.Second
}

func (s *NATSSender) connection() (*nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := nats.Connect(strings.Join(s.cfg.URL, ","), nats.Name("escalator-notify"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Close drains the NATS connection if one was opened.
func (s *NATSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	return err
}
