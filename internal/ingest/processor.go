// Package ingest receives inbound alert updates and applies them exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escalator/internal/clock"
	"escalator/internal/domain"
	"escalator/internal/lifecycle"
	"escalator/internal/metrics"
	"escalator/internal/store"
)

// Ack asks to acknowledge one alert.
type Ack struct {
	AlertRef int64     `json:"id"`
	By       string    `json:"by"`
	Until    time.Time `json:"until,omitzero"`
}

// Envelope is one queued ingest request: an update or an acknowledgement.
type Envelope struct {
	ReceivedAt time.Time
	Transport  string
	Update     *domain.Update
	Ack        *Ack
	reply      chan error
}

// NewUpdateEnvelope wraps an inbound update.
func NewUpdateEnvelope(update domain.Update, transport string, receivedAt time.Time) Envelope {
	return Envelope{ReceivedAt: receivedAt, Transport: transport, Update: &update}
}

// NewAckEnvelope wraps an acknowledgement request.
// Params: request, transport name, and receive instant.
// Returns: envelope and channel receiving the single outcome.
func NewAckEnvelope(ack Ack, transport string, receivedAt time.Time) (Envelope, <-chan error) {
	reply := make(chan error, 1)
	return Envelope{ReceivedAt: receivedAt, Transport: transport, Ack: &ack, reply: reply}, reply
}

// Submitter accepts envelopes without blocking.
type Submitter interface {
	Push(env Envelope) bool
}

// Processor applies updates through the lifecycle manager.
type Processor struct {
	alerts   store.AlertRepository
	manager  *lifecycle.Manager
	dedup    *DedupCache
	clock    clock.Clock
	logger   *slog.Logger
	maxBytes int
}

// NewProcessor creates processor.
// Params: alert repository, lifecycle manager, dedup cache, clock, logger, and free-text byte cap.
// Returns: processor.
func NewProcessor(alerts store.AlertRepository, manager *lifecycle.Manager, dedup *DedupCache, clk clock.Clock, logger *slog.Logger, maxBytes int) *Processor {
	if dedup == nil {
		dedup = NewDedupCache(0, 0)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{alerts: alerts, manager: manager, dedup: dedup, clock: clk, logger: logger, maxBytes: maxBytes}
}

// Handle applies one envelope and answers its reply channel, if any.
func (p *Processor) Handle(ctx context.Context, env Envelope) {
	var err error
	switch {
	case env.Update != nil:
		err = p.Process(ctx, *env.Update, env.ReceivedAt)
		if err != nil {
			p.logger.Error("update apply failed", "source", env.Update.Source, "transport", env.Transport, "error", err.Error())
		}
	case env.Ack != nil:
		err = p.Acknowledge(ctx, *env.Ack)
	}
	if env.reply != nil {
		env.reply <- err
	}
}

// Process applies one update unless its transmission id was seen recently.
// Params: context, validated update, and receive instant (zero means now).
// Returns: repository lookup error; per-alert persistence problems are logged by the manager.
func (p *Processor) Process(ctx context.Context, update domain.Update, receivedAt time.Time) error {
	if receivedAt.IsZero() {
		receivedAt = p.clock.Now()
	}
	if p.dedup.Observe(update.TransmissionID, receivedAt) {
		metrics.UpdatesDropped.WithLabelValues("duplicate").Inc()
		p.logger.Debug("duplicate transmission dropped",
			"source", update.Source,
			"transmission_id", update.TransmissionID,
		)
		return nil
	}

	var skew time.Duration
	if update.TransmissionTime > 0 {
		skew = receivedAt.Sub(domain.EpochTime(update.TransmissionTime))
	}
	source := strings.TrimSpace(update.Source)
	mentioned := make(map[string]struct{}, len(update.Alerts))
	var errs []error
	for _, mention := range update.Alerts {
		mention = p.sanitize(mention)
		mentioned[mention.ID] = struct{}{}
		alert, err := p.manager.Load(ctx, source, mention.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.manager.ApplyUpdate(ctx, alert, mention, skew)
	}
	if update.Replace {
		if err := p.replace(ctx, source, mentioned); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("update applied",
		"source", source,
		"transmission_id", update.TransmissionID,
		"alerts", len(update.Alerts),
		"replace", update.Replace,
		"skew", skew.String(),
	)
	return errors.Join(errs...)
}

// Acknowledge acknowledges a stored alert.
// Params: context and request; zero Until means the default acknowledgement length.
// Returns: store.ErrNotFound, domain.ErrInvalidTransition, or lookup error.
func (p *Processor) Acknowledge(ctx context.Context, ack Ack) error {
	alert, err := p.alerts.Get(ctx, ack.AlertRef)
	if err != nil {
		return fmt.Errorf("load alert %d: %w", ack.AlertRef, err)
	}
	by := strings.TrimSpace(ack.By)
	if by == "" {
		by = "api"
	}
	if err := p.manager.Acknowledge(ctx, alert, by, ack.Until); err != nil {
		return err
	}
	p.logger.Info("alert acknowledged", "alert", alert.Key(), "by", by, "until", alert.WillUnacknowledgeAt)
	return nil
}

// replace clears raised alerts of source that the update did not mention.
func (p *Processor) replace(ctx context.Context, source string, mentioned map[string]struct{}) error {
	raised, err := p.alerts.FindAll(ctx, store.AlertFilter{Source: source, RaisedOnly: true})
	if err != nil {
		return fmt.Errorf("list raised alerts of %s: %w", source, err)
	}
	now := p.clock.Now()
	for _, alert := range raised {
		if _, ok := mentioned[alert.AlertID]; ok {
			continue
		}
		p.manager.Clear(ctx, alert, now)
	}
	return nil
}

func (p *Processor) sanitize(mention domain.AlertUpdate) domain.AlertUpdate {
	mention.ID = strings.TrimSpace(mention.ID)
	mention.Subject = sanitizeText(mention.Subject, p.maxBytes)
	mention.Summary = sanitizeText(mention.Summary, p.maxBytes)
	mention.Detail = sanitizeText(mention.Detail, p.maxBytes)
	return mention
}
