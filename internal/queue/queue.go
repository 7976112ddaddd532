// Package queue provides the bounded in-process FIFO used between workers.
package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"escalator/internal/config"
	"escalator/internal/metrics"
)

// Queue is a thread-safe FIFO with a capacity and an overflow policy.
// Producers never block; when full, drop_oldest evicts the head and
// drop_newest rejects the incoming item.
type Queue[T any] struct {
	name     string
	capacity int
	overflow string
	logger   *slog.Logger

	mu      sync.Mutex
	items   []T
	dropped int64
	ready   chan struct{}
}

// New creates a queue.
// Params: metric/log name, queue config, and logger.
// Returns: queue or error for unknown overflow policy.
func New[T any](name string, cfg config.QueueConfig, logger *slog.Logger) (*Queue[T], error) {
	if !config.IsSupportedOverflow(cfg.Overflow) {
		return nil, fmt.Errorf("queue %s: unsupported overflow policy %q", name, cfg.Overflow)
	}
	if cfg.QueueSize <= 0 && cfg.Overflow != config.OverflowUnbounded {
		return nil, fmt.Errorf("queue %s: queue_size must be >0", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		name:     name,
		capacity: cfg.QueueSize,
		overflow: cfg.Overflow,
		logger:   logger,
		ready:    make(chan struct{}, 1),
	}, nil
}

// Push appends item.
// Params: item to enqueue.
// Returns: false when the incoming item was rejected.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	full := q.overflow != config.OverflowUnbounded && len(q.items) >= q.capacity
	accepted := true
	switch {
	case full && q.overflow == config.OverflowDropNewest:
		accepted = false
	case full:
		var zero T
		q.items[0] = zero
		q.items = append(q.items[1:], item)
	default:
		q.items = append(q.items, item)
	}
	if full {
		q.dropped++
	}
	depth := len(q.items)
	q.mu.Unlock()

	if full {
		metrics.QueueDropped.WithLabelValues(q.name).Inc()
		q.logger.Warn("queue overflow, item dropped", "queue", q.name, "policy", q.overflow, "capacity", q.capacity)
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	q.signal()
	return accepted
}

// signal wakes one waiter without blocking.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after pushes; receivers must re-check with Drain.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes up to limit items from the head; limit <= 0 drains everything.
func (q *Queue[T]) Drain(limit int) []T {
	q.mu.Lock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[:n])
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	if depth > 0 {
		q.signal()
	}
	return out
}

// Len returns queued item count.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of items lost to overflow.
func (q *Queue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Name returns queue name.
func (q *Queue[T]) Name() string {
	return q.name
}
