package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escalator/internal/config"
	"escalator/internal/domain"

	"github.com/nats-io/nats.go"
)

const updateStreamMaxAge = 24 * time.Hour

// Publisher sends updates to a running escalator.
type Publisher interface {
	Publish(ctx context.Context, update domain.Update) error
	Close() error
}

// NewPublisher picks a publisher for transport.
// Params: transport name, ingest URL for http, server URLs and subject for nats, request timeout.
// Returns: publisher or setup error.
func NewPublisher(transport, url string, natsURLs []string, subject string, timeout time.Duration) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case config.TransportHTTP:
		if strings.TrimSpace(url) == "" {
			return nil, errors.New("http publisher: url is required")
		}
		return NewHTTPPublisher(url, timeout), nil
	case config.TransportNATS, "":
		return NewNATSPublisher(natsURLs, subject, "")
	default:
		return nil, fmt.Errorf("unsupported publish transport %q", transport)
	}
}

// HTTPPublisher posts updates to an ingest endpoint.
type HTTPPublisher struct {
	url    string
	client *http.Client
}

// NewHTTPPublisher creates HTTP publisher.
// Params: ingest URL and request timeout.
// Returns: publisher.
func NewHTTPPublisher(url string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{url: url, client: &http.Client{Timeout: timeout}}
}

// Publish posts one update.
// Params: context and update.
// Returns: transport error or unexpected status.
func (p *HTTPPublisher) Publish(ctx context.Context, update domain.Update) error {
	body, err := update.Encode()
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted && response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("post update: unexpected status %d: %s", response.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Close releases idle connections.
func (p *HTTPPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// NATSPublisher publishes updates into the JetStream ingest stream.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher connects and ensures the ingest stream exists.
// Params: server URLs, subject, and stream name (empty skips stream setup).
// Returns: publisher or connection error.
func NewNATSPublisher(urls []string, subject, stream string) (*NATSPublisher, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("nats publisher: subject is required")
	}
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name("escalator-publisher"))
	if err != nil {
		return nil, fmt.Errorf("connect nats publisher: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for publisher: %w", err)
	}
	if stream != "" {
		if err := ensureStream(js, stream, subject); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return &NATSPublisher{nc: nc, js: js, subject: subject}, nil
}

// Publish sends one update; the transmission id doubles as the JetStream message id.
// Params: context and update.
// Returns: publish error.
func (p *NATSPublisher) Publish(ctx context.Context, update domain.Update) error {
	body, err := update.Encode()
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if update.TransmissionID != 0 {
		msg.Header.Set(nats.MsgIdHdr, update.Source+":"+strconv.FormatInt(update.TransmissionID, 10))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Close closes publisher NATS connection.
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}

// ensureStream ensures the ingest stream exists.
// Params: JetStream context, stream name, and subject.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    updateStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
