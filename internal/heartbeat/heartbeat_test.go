package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/ingest"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []domain.Update
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, update domain.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func testConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{IntervalSec: 60, Publish: true, Source: "escalator-a", AlertID: "heartbeat", RaiseAfterSec: 300}
}

func TestUpdateClearsNowAndRaisesLater(t *testing.T) {
	t.Parallel()

	h := New(testConfig(), nil, clock.NewManual(t0), slog.New(slog.DiscardHandler))
	first := h.Update()
	second := h.Update()

	if first.Source != "escalator-a" || len(first.Alerts) != 1 || first.Alerts[0].ID != "heartbeat" {
		t.Fatalf("unexpected update %+v", first)
	}
	alert := first.Alerts[0]
	if alert.ClearTime != t0.Unix() || alert.RaiseTime != t0.Add(5*time.Minute).Unix() {
		t.Fatalf("unexpected times clear=%d raise=%d", alert.ClearTime, alert.RaiseTime)
	}
	if first.TransmissionID == second.TransmissionID {
		t.Fatalf("transmission ids must differ between beats")
	}
	if err := first.Validate(); err != nil {
		t.Fatalf("heartbeat update must validate: %v", err)
	}
}

func TestBeatPublishesAndSurvivesFailures(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	h := New(testConfig(), publisher, clock.NewManual(t0), slog.New(slog.DiscardHandler))
	h.Beat(context.Background())
	publisher.err = errors.New("peer down")
	h.Beat(context.Background())

	if len(publisher.updates) != 2 {
		t.Fatalf("expected two publish attempts, got %d", len(publisher.updates))
	}
}

func TestBeatWithoutPublisherOnlyRefreshesGauges(t *testing.T) {
	t.Parallel()

	h := New(testConfig(), nil, clock.NewManual(t0), slog.New(slog.DiscardHandler))
	h.Beat(context.Background())
}

func TestHTTPPublisherDeliversHeartbeat(t *testing.T) {
	t.Parallel()

	received := make(chan domain.Update, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		update, err := domain.DecodeUpdate(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- update
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	publisher, err := ingest.NewPublisher(config.TransportHTTP, server.URL, nil, "", time.Second)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	t.Cleanup(func() { _ = publisher.Close() })

	h := New(testConfig(), publisher, clock.NewManual(t0), slog.New(slog.DiscardHandler))
	h.Beat(context.Background())

	select {
	case update := <-received:
		if update.Alerts[0].ID != "heartbeat" {
			t.Fatalf("unexpected heartbeat %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("heartbeat not delivered")
	}
}
