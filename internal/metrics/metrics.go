// Package metrics provides Prometheus metrics for escalator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escalator"

// Ingest metrics
var (
	// UpdatesReceived counts decoded updates by transport.
	UpdatesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "updates_received_total",
			Help:      "Total updates received",
		},
		[]string{"transport"},
	)

	// UpdatesDropped counts updates discarded before processing.
	UpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "updates_dropped_total",
			Help:      "Total updates dropped",
		},
		[]string{"reason"}, // duplicate, malformed, overflow
	)

	// Transitions counts persisted alert transitions by update type.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Total alert transitions",
		},
		[]string{"update_type"},
	)

	// PersistenceFailures counts alert or reminder saves rejected by the store.
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persistence_failures_total",
			Help:      "Total rejected saves",
		},
	)
)

// Notification metrics
var (
	// Notifications counts recipient notification outcomes.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Total recipient notifications by level and result",
		},
		[]string{"level", "result"}, // sent, suppressed, failed
	)

	// DeliveryDuration tracks channel delivery latency including retries.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_duration_seconds",
			Help:      "Delivery latency in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel", "result"},
	)
)

// Queue metrics
var (
	// QueueDepth tracks buffered items per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in queue",
		},
		[]string{"queue"},
	)

	// QueueDropped counts items dropped by the overflow policy.
	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total items dropped due to queue overflow",
		},
		[]string{"queue"},
	)
)

// Worker and scheduler metrics
var (
	// WorkerState exposes the numeric worker state (0 stopped .. 4 stopping).
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "Current worker state",
		},
		[]string{"worker"},
	)

	// WorkerRestarts counts supervisor restarts.
	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Total worker restarts",
		},
		[]string{"worker", "reason"},
	)

	// SchedulerFires counts due events handled by the scheduler.
	SchedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Total due events fired",
		},
		[]string{"kind"}, // alert, reminder
	)

	// SchedulerLag tracks how late due events fire.
	SchedulerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between due time and firing",
			Buckets:   []float64{.05, .1, .25, .5, 1, 5, 30, 60},
		},
	)

	// HeartbeatsSent counts dead-man heartbeat publications.
	HeartbeatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Total heartbeat updates published",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
