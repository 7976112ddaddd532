package ingest

import (
	"context"
	"log/slog"
	"time"

	"escalator/internal/queue"
	"escalator/internal/worker"
)

// DefaultBatchSize caps envelopes applied per freeze window.
const DefaultBatchSize = 256

// Freezer suspends a competing worker for the duration of a batch.
type Freezer interface {
	Freeze(timeout time.Duration) error
	Thaw()
}

// Loop is the ingest worker body: it drains the queue in batches while the
// scheduler is frozen.
type Loop struct {
	queue         *queue.Queue[Envelope]
	processor     *Processor
	freezer       Freezer
	freezeTimeout time.Duration
	batchSize     int
	logger        *slog.Logger
}

// NewLoop creates ingest loop.
// Params: ingest queue, processor, scheduler freezer (nil skips freezing), freeze wait, batch size, and logger.
// Returns: worker body.
func NewLoop(q *queue.Queue[Envelope], processor *Processor, freezer Freezer, freezeTimeout time.Duration, batchSize int, logger *slog.Logger) *Loop {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:         q,
		processor:     processor,
		freezer:       freezer,
		freezeTimeout: freezeTimeout,
		batchSize:     batchSize,
		logger:        logger,
	}
}

// Step waits for queued envelopes and applies one batch.
func (l *Loop) Step(ctx context.Context, ctl worker.Control) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ctl.Interrupt():
		return nil
	case <-l.queue.Ready():
	}
	batch := l.queue.Drain(l.batchSize)
	if len(batch) == 0 {
		return nil
	}
	if l.freezer != nil {
		if err := l.freezer.Freeze(l.freezeTimeout); err != nil {
			l.logger.Warn("scheduler freeze failed, applying batch anyway", "error", err.Error())
		}
		defer l.freezer.Thaw()
	}
	for _, env := range batch {
		l.processor.Handle(ctx, env)
	}
	l.logger.Debug("ingest batch applied", "size", len(batch), "pending", l.queue.Len())
	return nil
}
