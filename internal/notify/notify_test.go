package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/permanent"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type flakySender struct {
	channel string
	fails   int
	err     error
	calls   int
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ Message) error {
	s.calls++
	if s.calls <= s.fails {
		if s.err != nil {
			return s.err
		}
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	items   []Message
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(_ context.Context, message Message) error {
	s.items = append(s.items, message)
	return nil
}

type panicSender struct{}

func (panicSender) Channel() string { return "log" }

func (panicSender) Send(context.Context, Message) error { panic("boom") }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(config.NotifyConfig{}, slog.New(slog.DiscardHandler), clock.NewManual(t0))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func raisedAlert() *domain.Alert {
	return &domain.Alert{
		ID:         7,
		Source:     "db01",
		AlertID:    "disk",
		Subject:    "storage",
		Summary:    "disk 95% full",
		RaisedAt:   t0.Add(-5 * time.Minute),
		UpdateType: domain.UpdateRaised,
	}
}

func fastRetry(maxAttempts int) config.NotifyRetry {
	return config.NotifyRetry{Enabled: true, Backoff: "exponential", InitialMS: 1, MaxMS: 2, MaxAttempts: maxAttempts}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "telegram", fails: 2}
	d := newTestDispatcher(t)
	if err := d.Register(sender, fastRetry(0), nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !d.Send(ctx, "telegram", "42", raisedAlert(), SendContext{Recipient: "alice", Level: domain.LevelUrgent}) {
		t.Fatalf("expected retry success")
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "http", fails: 10}
	d := newTestDispatcher(t)
	if err := d.Register(sender, fastRetry(3), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Send(context.Background(), "http", "", raisedAlert(), SendContext{}) {
		t.Fatalf("expected failure")
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherDefaultRetryPolicyGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf(`[notify.http]
enabled = true
url = %q
timeout_sec = 2

[notify.http.retry]
enabled = true
initial_ms = 1
max_ms = 2

[person.alice]
urgent = ["http:"]

[alert_group.db]
level = "urgent"
sources = ["db*"]

[[alert_group.db.notify]]
to = ["alice"]
`, server.URL)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if got := cfg.Notify.HTTP.Retry.MaxAttempts; got != config.DefaultRetryMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", config.DefaultRetryMaxAttempts, got)
	}
	d, err := NewDispatcher(cfg.Notify, slog.New(slog.DiscardHandler), clock.NewManual(t0))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		done <- d.Send(context.Background(), "http", "", raisedAlert(), SendContext{Recipient: "alice"})
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("send to a failing webhook must report false")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("send did not give up on a failing webhook")
	}
	if got := calls.Load(); got != config.DefaultRetryMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", config.DefaultRetryMaxAttempts, got)
	}
}

type blockingSender struct{}

func (blockingSender) Channel() string { return "http" }

func (blockingSender) Send(ctx context.Context, _ Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherSendDeadline(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	retry := fastRetry(100)
	retry.DeadlineMS = 50
	if err := d.Register(blockingSender{}, retry, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	started := time.Now()
	if d.Send(context.Background(), "http", "", raisedAlert(), SendContext{}) {
		t.Fatalf("expected failure")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("send outlived its deadline: %s", elapsed)
	}
}

func TestDispatcherPermanentErrorStopsRetries(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "http", fails: 10, err: permanent.Errorf("status=404")}
	d := newTestDispatcher(t)
	if err := d.Register(sender, fastRetry(0), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Send(context.Background(), "http", "", raisedAlert(), SendContext{}) {
		t.Fatalf("expected failure")
	}
	if sender.calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", sender.calls)
	}
}

func TestDispatcherUnknownChannelAndPanic(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	if d.Send(context.Background(), "telegram", "1", raisedAlert(), SendContext{}) {
		t.Fatalf("unknown channel must fail")
	}
	if err := d.Register(panicSender{}, config.NotifyRetry{}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Send(context.Background(), "log", "", raisedAlert(), SendContext{}) {
		t.Fatalf("panicking sender must report failure")
	}
}

func TestDispatcherSelectsTemplateByUpdateType(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: "telegram"}
	d := newTestDispatcher(t)
	err := d.Register(sender, config.NotifyRetry{}, []config.NamedTemplateConfig{
		{Name: "Raised", Message: "RAISED {{ .Alert.Key }} for {{ .Recipient }} at {{ .Level }}"},
		{Name: "default", Message: "OTHER {{ .Alert.UpdateType }} {{ since .Alert.RaisedAt .Now }}"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	alert := raisedAlert()
	d.Send(context.Background(), "telegram", "1", alert, SendContext{Recipient: "alice", Level: domain.LevelUrgent})
	alert.UpdateType = domain.UpdateChanged
	d.Send(context.Background(), "telegram", "1", alert, SendContext{Recipient: "alice", Level: domain.LevelUrgent})

	if len(sender.items) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sender.items))
	}
	if got := sender.items[0].Text; got != "RAISED db01/disk for alice at urgent" {
		t.Fatalf("unexpected raised text %q", got)
	}
	if got := sender.items[1].Text; got != "OTHER changed 5.0m" {
		t.Fatalf("unexpected default text %q", got)
	}
}

func TestDispatcherBuiltInMessage(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: "log"}
	d := newTestDispatcher(t)
	if err := d.Register(sender, config.NotifyRetry{}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Send(context.Background(), "log", "", raisedAlert(), SendContext{Recipient: "bob", Level: domain.LevelNormal, WillSuppress: true})

	text := sender.items[0].Text
	for _, want := range []string{"[NORMAL] db01/disk raised: disk 95% full", "subject: storage", "(5.0m ago)", "suppressed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q does not contain %q", text, want)
		}
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	d, err := NewDispatcher(config.NotifyConfig{
		Log:  config.LogNotifier{Enabled: true},
		HTTP: config.HTTPNotifier{Enabled: true, URL: "http://localhost/callback"},
		NATS: config.NATSNotifier{Enabled: true, URL: []string{"nats://127.0.0.1:4222"}},
		Telegram: config.TelegramNotifier{
			Enabled: true, BotToken: "token", APIBase: "http://localhost",
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	got := d.Channels()
	want := []string{"http", "log", "nats", "telegram"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("channels mismatch: got=%v want=%v", got, want)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close without connections: %v", err)
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	type sendMessagePayload struct {
		ChatID    string
		Text      string
		ParseMode string
	}

	var (
		mu       sync.Mutex
		received []sendMessagePayload
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		received = append(received, sendMessagePayload{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		messageID := 100 + len(received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, messageID)
	}))
	defer server.Close()

	sender, err := NewTelegramSender(config.TelegramNotifier{
		Enabled:  true,
		BotToken: "token",
		ChatID:   "-1001",
		APIBase:  server.URL,
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), Message{Destination: "12345", Text: "raised"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := sender.Send(context.Background(), Message{Text: "fallback"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(received))
	}
	if received[0].ChatID != "12345" || received[1].ChatID != "-1001" {
		t.Fatalf("chat ids mismatch: %+v", received)
	}
	if received[0].ParseMode != "HTML" || received[0].Text != "raised" {
		t.Fatalf("unexpected payload %+v", received[0])
	}
}

func TestTelegramSenderRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramSender(config.TelegramNotifier{Enabled: true}); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestHTTPSenderSend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("X-Test") != "1" {
			t.Errorf("missing custom header")
		}
		var payload Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.AlertID != "disk" || payload.Recipient != "alice" || payload.Level != "urgent" {
			t.Errorf("unexpected payload %+v", payload)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{
		Enabled:    true,
		Method:     http.MethodPut,
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Test": "1"},
	})
	err := sender.Send(context.Background(), Message{
		Destination: server.URL,
		Recipient:   "alice",
		Level:       domain.LevelUrgent,
		Alert:       raisedAlert(),
		Now:         t0,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestHTTPSenderStatusClassification(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("nope"))
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{Enabled: true, URL: server.URL, TimeoutSec: 2})
	message := Message{Alert: raisedAlert(), Now: t0}

	status.Store(http.StatusNotFound)
	err := sender.Send(context.Background(), message)
	if !permanent.Is(err) || !strings.Contains(err.Error(), "status=404 body=nope") {
		t.Fatalf("expected permanent 404 error, got %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	err = sender.Send(context.Background(), message)
	if err == nil || permanent.Is(err) {
		t.Fatalf("expected retryable 503 error, got %v", err)
	}

	status.Store(http.StatusTooManyRequests)
	if err := sender.Send(context.Background(), message); permanent.Is(err) {
		t.Fatalf("429 must be retryable, got %v", err)
	}
}

func TestSendersRejectEmptyDestination(t *testing.T) {
	t.Parallel()

	message := Message{Alert: raisedAlert()}
	if err := NewHTTPSender(config.HTTPNotifier{}).Send(context.Background(), message); !permanent.Is(err) {
		t.Fatalf("http: expected permanent error, got %v", err)
	}
	if err := NewNATSSender(config.NATSNotifier{}).Send(context.Background(), message); !permanent.Is(err) {
		t.Fatalf("nats: expected permanent error, got %v", err)
	}
}
