// Package heartbeat refreshes health gauges and publishes a dead-man alert
// to a peer escalator.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/ingest"
	"escalator/internal/metrics"
	"escalator/internal/worker"
)

// Gauge is anything with a depth worth exporting.
type Gauge interface {
	Name() string
	Len() int
}

// Roster lists the supervised workers.
type Roster interface {
	Workers() []*worker.Worker
}

// Heartbeat is the heartbeat worker body.
type Heartbeat struct {
	cfg        config.HeartbeatConfig
	interval   time.Duration
	raiseAfter time.Duration
	publisher  ingest.Publisher
	gauges     []Gauge
	roster     Roster
	clock      clock.Clock
	logger     *slog.Logger
	sequence   int64
}

// New creates heartbeat body.
// Params: heartbeat config, optional publisher (nil disables publishing), clock, logger, and queue gauges.
// Returns: heartbeat.
func New(cfg config.HeartbeatConfig, publisher ingest.Publisher, clk clock.Clock, logger *slog.Logger, gauges ...Gauge) *Heartbeat {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	raiseAfter := time.Duration(cfg.RaiseAfterSec) * time.Second
	if raiseAfter <= interval {
		raiseAfter = 3 * interval
	}
	return &Heartbeat{
		cfg:        cfg,
		interval:   interval,
		raiseAfter: raiseAfter,
		publisher:  publisher,
		gauges:     gauges,
		clock:      clk,
		logger:     logger,
	}
}

// Watch sets the worker roster reported on each beat.
func (h *Heartbeat) Watch(roster Roster) {
	h.roster = roster
}

// Step beats once and waits one interval.
func (h *Heartbeat) Step(ctx context.Context, ctl worker.Control) error {
	h.Beat(ctx)

	timer := time.NewTimer(h.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-ctl.Interrupt():
	case <-timer.C:
	}
	return nil
}

// Beat refreshes gauges and publishes the dead-man update.
func (h *Heartbeat) Beat(ctx context.Context) {
	for _, g := range h.gauges {
		metrics.QueueDepth.WithLabelValues(g.Name()).Set(float64(g.Len()))
	}
	if h.roster != nil {
		for _, w := range h.roster.Workers() {
			metrics.WorkerState.WithLabelValues(w.Name()).Set(float64(w.State()))
		}
	}
	if h.publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.publisher.Publish(publishCtx, h.Update()); err != nil {
		metrics.HeartbeatsSent.WithLabelValues("failed").Inc()
		h.logger.Warn("heartbeat publish failed", "transport", h.cfg.Transport, "error", err.Error())
		return
	}
	metrics.HeartbeatsSent.WithLabelValues("sent").Inc()
}

// Update builds the dead-man update: the alert is cleared now and raised once
// raise_after passes without another beat.
func (h *Heartbeat) Update() domain.Update {
	now := h.clock.Now()
	h.sequence++
	return domain.Update{
		Source:           h.cfg.Source,
		TransmissionID:   now.UnixNano() + h.sequence,
		TransmissionTime: now.Unix(),
		Alerts: []domain.AlertUpdate{{
			ID:        h.cfg.AlertID,
			ClearTime: now.Unix(),
			RaiseTime: now.Add(h.raiseAfter).Unix(),
			Subject:   fmt.Sprintf("%s heartbeat missing", h.cfg.Source),
			Summary:   fmt.Sprintf("no heartbeat from %s for %s", h.cfg.Source, h.raiseAfter),
		}},
	}
}
