package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbus_events_emitted_total",
			Help: "Total number of events emitted to the namespace queue",
		},
		[]string{"namespace", "mode"},
	)

	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbus_messages_consumed_total",
			Help: "Total number of queue messages processed by the consumer",
		},
		[]string{"namespace", "outcome"},
	)

	handlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbus_handler_failures_total",
			Help: "Total number of handler executions that returned an error",
		},
		[]string{"namespace", "event_type"},
	)

	dlqMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbus_dlq_messages_total",
			Help: "Total number of messages moved to the dead-letter queue",
		},
		[]string{"namespace", "reason"},
	)

	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbus_heartbeats_total",
			Help: "Total number of node heartbeats written",
		},
		[]string{"namespace", "node_id"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbus_dispatch_duration_seconds",
			Help:    "Per-envelope dispatch duration (transaction open to ack)",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 30},
		},
		[]string{"namespace"},
	)
)

func EventEmitted(namespace, mode string) {
	eventsEmittedTotal.WithLabelValues(namespace, mode).Inc()
}

// MessageConsumed records a processed queue message. Outcome is one of
// "acked", "dlq", "skipped".
func MessageConsumed(namespace, outcome string) {
	messagesConsumedTotal.WithLabelValues(namespace, outcome).Inc()
}

func HandlerFailure(namespace, eventType string) {
	handlerFailuresTotal.WithLabelValues(namespace, eventType).Inc()
}

func DLQMessage(namespace, reason string) {
	dlqMessagesTotal.WithLabelValues(namespace, reason).Inc()
}

func Heartbeat(namespace, nodeID string) {
	heartbeatsTotal.WithLabelValues(namespace, nodeID).Inc()
}

func ObserveDispatch(namespace string, d time.Duration) {
	dispatchDuration.WithLabelValues(namespace).Observe(d.Seconds())
}
