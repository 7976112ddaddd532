package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/metrics"

	"github.com/nats-io/nats.go"
)

// TransportNATS labels updates received over NATS JetStream.
const TransportNATS = "nats"

// NATSSubscriber consumes updates via a JetStream queue consumer and queues them.
// Params: NATS connection, JetStream queue subscription, and submitter.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	submitter Submitter
	clock     clock.Clock
	logger    *slog.Logger
	nackDelay time.Duration
}

// NewNATSSubscriber creates JetStream queue consumer for update ingestion.
// Params: ingest NATS config, submitter, clock, and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, submitter Submitter, clk clock.Clock, logger *slog.Logger) (*NATSSubscriber, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("escalator-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		submitter: submitter,
		clock:     clk,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle queues every update of one message. Malformed messages are acked and dropped;
// a rejected update asks for redelivery.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	updates, err := decodeUpdates(message.Data)
	if err != nil {
		metrics.UpdatesDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}
	receivedAt := s.clock.Now()
	for _, update := range updates {
		metrics.UpdatesReceived.WithLabelValues(TransportNATS).Inc()
		if !s.submitter.Push(NewUpdateEnvelope(update, TransportNATS, receivedAt)) {
			s.logger.Error("nats ingest queue rejected update", "subject", message.Subject, "source", update.Source)
			s.nackMessage(message)
			return
		}
	}
	s.ackMessage(message, "queued")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
func (s *NATSSubscriber) nackMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var err error
	if s.nackDelay > 0 {
		err = message.NakWithDelay(s.nackDelay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
