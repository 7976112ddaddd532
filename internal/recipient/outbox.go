package recipient

import (
	"context"
	"log/slog"

	"escalator/internal/domain"
	"escalator/internal/queue"
)

// Job is one pending person notification.
type Job struct {
	Person *Person
	Level  domain.Level
	Alert  *domain.Alert
}

// Outbox moves person notifications onto the dispatch loop so throttle
// state is only touched there.
type Outbox struct {
	queue  *queue.Queue[Job]
	logger *slog.Logger
}

// NewOutbox wraps a dispatch queue.
func NewOutbox(q *queue.Queue[Job], logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{queue: q, logger: logger}
}

// Wrap returns a recipient that enqueues instead of sending.
func (o *Outbox) Wrap(person *Person) Recipient {
	return queued{person: person, outbox: o}
}

// Queue exposes the underlying queue for workers.
func (o *Outbox) Queue() *queue.Queue[Job] {
	return o.queue
}

// Deliver drains up to limit jobs and sends each one.
// Params: context and batch limit.
// Returns: number of jobs processed.
func (o *Outbox) Deliver(ctx context.Context, limit int) int {
	jobs := o.queue.Drain(limit)
	for _, job := range jobs {
		if !job.Person.SendAlert(ctx, job.Level, job.Alert) {
			o.logger.Debug("dispatch job not delivered", "person", job.Person.Name(), "alert", job.Alert.Key())
		}
	}
	return len(jobs)
}

type queued struct {
	person *Person
	outbox *Outbox
}

func (q queued) Name() string {
	return q.person.Name()
}

// SendAlert accepts the notification when the dispatch queue takes it.
func (q queued) SendAlert(_ context.Context, level domain.Level, alert *domain.Alert) bool {
	return q.outbox.queue.Push(Job{Person: q.person, Level: level, Alert: alert.Clone()})
}
