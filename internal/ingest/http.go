package ingest

import (
	"io"
	"log/slog"
	"net/http"

	"escalator/internal/clock"
	"escalator/internal/metrics"
)

// TransportHTTP labels updates received over HTTP.
const TransportHTTP = "http"

// HTTPHandler decodes JSON updates and queues them for the ingest worker.
// Params: submitter receives envelopes, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	submitter   Submitter
	maxBodySize int64
	clock       clock.Clock
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: submitter, max request body size in bytes, clock, and logger.
// Returns: configured handler.
func NewHTTPHandler(submitter Submitter, maxBodySize int64, clk clock.Clock, logger *slog.Logger) *HTTPHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{submitter: submitter, maxBodySize: maxBodySize, clock: clk, logger: logger}
}

// ServeHTTP handles one update or a batch of updates.
// Params: HTTP request/response writer pair.
// Returns: 202 when queued, 400 for malformed payloads, 503 when the queue rejected an update.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	updates, err := decodeUpdates(body)
	if err != nil {
		metrics.UpdatesDropped.WithLabelValues("malformed").Inc()
		h.logger.Warn("http ingest decode failed", "remote", request.RemoteAddr, "error", err.Error())
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	receivedAt := h.clock.Now()
	rejected := 0
	for _, update := range updates {
		metrics.UpdatesReceived.WithLabelValues(TransportHTTP).Inc()
		if !h.submitter.Push(NewUpdateEnvelope(update, TransportHTTP, receivedAt)) {
			rejected++
		}
	}
	if rejected > 0 {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
