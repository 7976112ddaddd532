package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escalator/internal/domain"
	"escalator/internal/ingest"
	"escalator/internal/metrics"
	"escalator/internal/store"
)

const (
	defaultListLimit    = 500
	defaultHistoryLimit = 100
	maxAckBody          = 4 << 10
)

// buildMux wires ingest, alert API, probe, and metrics routes.
func (s *Service) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	httpCfg := s.cfg.Ingest.HTTP

	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.IngestPath, ingest.NewHTTPHandler(s.ingestQ, httpCfg.MaxBodyBytes, s.clock, s.logger))
	mux.HandleFunc("POST /alerts/ack", s.handleAck)
	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("GET /alerts/{id}/history", s.handleHistory)
	if !s.cfg.Metrics.Disabled && s.cfg.Metrics.Path != "" {
		mux.Handle(s.cfg.Metrics.Path, metrics.Handler())
	}
	return mux
}

// handleAck routes the acknowledgement through the ingest worker and waits for its outcome.
func (s *Service) handleAck(writer http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, maxAckBody))
	if err != nil {
		http.Error(writer, "request body too large", http.StatusBadRequest)
		return
	}
	var ack ingest.Ack
	if err := json.Unmarshal(body, &ack); err != nil || ack.AlertRef <= 0 {
		http.Error(writer, "expected {\"id\": <alert id>, \"by\": ..., \"until\": ...}", http.StatusBadRequest)
		return
	}
	ack.By = strings.TrimSpace(ack.By)

	env, reply := ingest.NewAckEnvelope(ack, ingest.TransportHTTP, s.clock.Now())
	if !s.ingestQ.Push(env) {
		http.Error(writer, "ingest queue full", http.StatusServiceUnavailable)
		return
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case err = <-reply:
	case <-timer.C:
		http.Error(writer, "acknowledgement not applied in time", http.StatusGatewayTimeout)
		return
	case <-request.Context().Done():
		return
	}

	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, map[string]any{"id": ack.AlertRef, "status": "acknowledged"})
	case errors.Is(err, store.ErrNotFound):
		http.Error(writer, "alert not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(writer, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("acknowledge failed", "alert_ref", ack.AlertRef, "error", err.Error())
		http.Error(writer, "acknowledge failed", http.StatusInternalServerError)
	}
}

// handleListAlerts lists stored alerts; ?source= and ?raised=true narrow the result.
func (s *Service) handleListAlerts(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	filter := store.AlertFilter{Source: strings.TrimSpace(query.Get("source")), Limit: defaultListLimit}
	if raw := query.Get("raised"); raw != "" {
		raised, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(writer, "raised must be a boolean", http.StatusBadRequest)
			return
		}
		filter.RaisedOnly = raised
	}
	alerts, err := s.store.Alerts().FindAll(request.Context(), filter)
	if err != nil {
		s.logger.Error("list alerts failed", "error", err.Error())
		http.Error(writer, "list alerts failed", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	writeJSON(writer, http.StatusOK, alerts)
}

func (s *Service) handleHistory(writer http.ResponseWriter, request *http.Request) {
	id, err := strconv.ParseInt(request.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(writer, "invalid alert id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Alerts().Get(request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(writer, "alert not found", http.StatusNotFound)
			return
		}
		http.Error(writer, "load alert failed", http.StatusInternalServerError)
		return
	}
	entries, err := s.store.History().ListByAlert(request.Context(), id, defaultHistoryLimit)
	if err != nil {
		s.logger.Error("list history failed", "alert_ref", id, "error", err.Error())
		http.Error(writer, "list history failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(writer, http.StatusOK, entries)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
