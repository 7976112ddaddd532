package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
)

const serviceConfig = `[service]
timezone = "UTC"

[ingest.http]
listen = "127.0.0.1:0"

[notify.log]
enabled = true

[person.alice]
urgent = ["log:pager"]

[person.bob]
urgent = ["log:bob"]

[people_list.ops]
members = ["alice", "bob"]

[alert_group.db]
level = "urgent"
sources = ["db*"]

[[alert_group.db.notify]]
to = ["ops"]
every_sec = 600
`

const delayedRaiseConfig = `[service]
timezone = "UTC"

[notify.log]
enabled = true

[scheduler]
increment_ms = 10

[workers]
stuck_after_sec = 86400

[person.alice]
urgent = ["log:pager"]

[alert_group.db]
level = "urgent"
sources = ["db*"]

[[alert_group.db.notify]]
to = ["alice"]
every_sec = 600
`

type runningService struct {
	svc    *Service
	server *httptest.Server
	done   chan error
	cancel context.CancelFunc
}

func startService(t *testing.T) *runningService {
	t.Helper()
	return startServiceWith(t, serviceConfig, clock.RealClock{})
}

func startServiceWith(t *testing.T, body string, clk clock.Clock) *runningService {
	t.Helper()
	cfg, err := config.Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	svc, err := NewService(context.Background(), cfg, slog.New(slog.DiscardHandler), clk)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningService{svc: svc, server: httptest.NewServer(svc.Handler()), done: make(chan error, 1), cancel: cancel}
	go func() {
		rs.done <- svc.serve(ctx, nil)
	}()
	t.Cleanup(func() {
		rs.stop(t)
		rs.server.Close()
		svc.release()
	})
	waitFor(t, "ready", func() bool {
		response, err := http.Get(rs.server.URL + cfg.Ingest.HTTP.ReadyPath)
		if err != nil {
			return false
		}
		response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
	return rs
}

func (rs *runningService) stop(t *testing.T) {
	t.Helper()
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	rs.cancel = nil
	select {
	case err := <-rs.done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Errorf("service did not stop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (rs *runningService) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	response, err := http.Post(rs.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func (rs *runningService) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	response, err := http.Get(rs.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return response.StatusCode
}

func TestServiceIngestAcknowledgeAndHistory(t *testing.T) {
	rs := startService(t)

	update := `{"source":"db1","transmission_id":7,"alerts":[{"id":"disk","summary":"disk full"}]}`
	if response := rs.post(t, "/ingest", update); response.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d", response.StatusCode)
	}

	var raised []domain.Alert
	waitFor(t, "raised alert", func() bool {
		raised = nil
		return rs.getJSON(t, "/alerts?raised=true&source=db1", &raised) == http.StatusOK && len(raised) == 1
	})
	alert := raised[0]
	if alert.AlertID != "disk" || alert.Summary != "disk full" {
		t.Fatalf("unexpected alert %+v", alert)
	}

	historyPath := fmt.Sprintf("/alerts/%d/history", alert.ID)
	waitFor(t, "delivery history for both recipients", func() bool {
		var entries []domain.HistoryEntry
		if rs.getJSON(t, historyPath, &entries) != http.StatusOK {
			return false
		}
		recipients := map[string]bool{}
		for _, entry := range entries {
			recipients[entry.Recipient] = true
		}
		return recipients["alice"] && recipients["bob"]
	})

	ack := rs.post(t, "/alerts/ack", fmt.Sprintf(`{"id":%d,"by":"alice"}`, alert.ID))
	if ack.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d", ack.StatusCode)
	}
	var acked []domain.Alert
	if rs.getJSON(t, "/alerts?source=db1", &acked) != http.StatusOK || len(acked) != 1 {
		t.Fatalf("list after ack failed: %+v", acked)
	}
	if acked[0].AcknowledgedBy != "alice" || acked[0].AcknowledgedAt.IsZero() {
		t.Fatalf("ack not applied %+v", acked[0])
	}
}

func TestServiceAPIErrors(t *testing.T) {
	rs := startService(t)

	cases := []struct {
		name   string
		do     func() int
		status int
	}{
		{name: "ack unknown alert", status: http.StatusNotFound, do: func() int {
			return rs.post(t, "/alerts/ack", `{"id":999}`).StatusCode
		}},
		{name: "ack without id", status: http.StatusBadRequest, do: func() int {
			return rs.post(t, "/alerts/ack", `{"by":"alice"}`).StatusCode
		}},
		{name: "malformed update", status: http.StatusBadRequest, do: func() int {
			return rs.post(t, "/ingest", `{"source":"db1","alerts":[{"id":""}]}`).StatusCode
		}},
		{name: "history of unknown alert", status: http.StatusNotFound, do: func() int {
			return rs.getJSON(t, "/alerts/999/history", nil)
		}},
		{name: "history with bad id", status: http.StatusBadRequest, do: func() int {
			return rs.getJSON(t, "/alerts/abc/history", nil)
		}},
		{name: "bad raised filter", status: http.StatusBadRequest, do: func() int {
			return rs.getJSON(t, "/alerts?raised=maybe", nil)
		}},
		{name: "metrics", status: http.StatusOK, do: func() int {
			response, err := http.Get(rs.server.URL + "/metrics")
			if err != nil {
				t.Fatalf("metrics: %v", err)
			}
			response.Body.Close()
			return response.StatusCode
		}},
	}
	for _, tc := range cases {
		if got := tc.do(); got != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, got)
		}
	}
}

func TestServiceClearedAlertRejectsAck(t *testing.T) {
	rs := startService(t)

	now := time.Now().Unix()
	raise := fmt.Sprintf(`{"source":"db2","alerts":[{"id":"cpu","raise_time":%d}]}`, now-60)
	clear := fmt.Sprintf(`{"source":"db2","alerts":[{"id":"cpu","clear_time":%d}]}`, now)
	rs.post(t, "/ingest", raise)

	var alerts []domain.Alert
	waitFor(t, "raise", func() bool {
		alerts = nil
		return rs.getJSON(t, "/alerts?raised=true&source=db2", &alerts) == http.StatusOK && len(alerts) == 1
	})
	rs.post(t, "/ingest", clear)
	waitFor(t, "clear", func() bool {
		var still []domain.Alert
		return rs.getJSON(t, "/alerts?raised=true&source=db2", &still) == http.StatusOK && len(still) == 0
	})

	body := bytes.NewBufferString(fmt.Sprintf(`{"id":%d}`, alerts[0].ID))
	response, err := http.Post(rs.server.URL+"/alerts/ack", "application/json", body)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for cleared alert, got %d", response.StatusCode)
	}
}

func TestServiceStopsCleanlyAndReportsNotReady(t *testing.T) {
	rs := startService(t)
	rs.stop(t)

	response, err := http.Get(rs.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("stopped service must not be ready, got %d", response.StatusCode)
	}
	for _, w := range rs.svc.Supervisor().Workers() {
		if state := w.State(); state.String() != "stopped" {
			t.Fatalf("worker %s left in %s", w.Name(), state)
		}
	}
}

func TestServiceDelayedRaiseNotifiesOnceWhenDue(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Second)
	clk := clock.NewManual(start)
	rs := startServiceWith(t, delayedRaiseConfig, clk)

	update := fmt.Sprintf(`{"source":"db3","alerts":[{"id":"lag","summary":"replica lag","raise_time":%d}]}`, start.Add(5*time.Minute).Unix())
	if response := rs.post(t, "/ingest", update); response.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d", response.StatusCode)
	}

	var pending []domain.Alert
	waitFor(t, "pending alert", func() bool {
		pending = nil
		return rs.getJSON(t, "/alerts?source=db3", &pending) == http.StatusOK && len(pending) == 1
	})
	alert := pending[0]
	if alert.IsRaised() || !alert.WillRaiseAt.Equal(start.Add(5*time.Minute)) {
		t.Fatalf("expected a raise scheduled for +5m, got %+v", alert)
	}

	historyPath := fmt.Sprintf("/alerts/%d/history", alert.ID)
	history := func() []domain.HistoryEntry {
		var entries []domain.HistoryEntry
		if rs.getJSON(t, historyPath, &entries) != http.StatusOK {
			t.Fatalf("history request failed")
		}
		return entries
	}

	clk.Advance(5*time.Minute - time.Second)
	time.Sleep(200 * time.Millisecond)
	var raised []domain.Alert
	if rs.getJSON(t, "/alerts?raised=true&source=db3", &raised); len(raised) != 0 {
		t.Fatalf("alert raised before its raise time: %+v", raised)
	}
	if entries := history(); len(entries) != 0 {
		t.Fatalf("notified before raise time: %+v", entries)
	}

	clk.Advance(time.Second)
	waitFor(t, "notification after raise time", func() bool {
		return len(history()) > 0
	})
	time.Sleep(200 * time.Millisecond)

	entries := history()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one notification, got %+v", entries)
	}
	if entries[0].Recipient != "alice" || entries[0].Kind != domain.HistorySent {
		t.Fatalf("unexpected history entry %+v", entries[0])
	}
	raised = nil
	if rs.getJSON(t, "/alerts?raised=true&source=db3", &raised); len(raised) != 1 || !raised[0].RaisedAt.Equal(start.Add(5*time.Minute)) {
		t.Fatalf("expected alert raised at +5m, got %+v", raised)
	}
}
