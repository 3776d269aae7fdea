package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by RecordDropped.
const (
	DropDecode       = "decode"
	DropMalformed    = "malformed"
	DropUnknownKey   = "unknown_key"
	DropUnknownRoute = "unknown_route"
)

// KeyOther is the key label for messages whose key has no local handler.
const KeyOther = "other"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaynet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "First transmissions of outbound messages.",
		},
		[]string{"component", "node", "key"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Decoded and validated inbound messages.",
		},
		[]string{"component", "node", "key"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Inbound or forwarded messages dropped before dispatch.",
		},
		[]string{"component", "node", "reason"},
	)
	retransmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "outbox",
			Name:      "retransmits_total",
			Help:      "Timer-driven retransmissions of unconfirmed messages.",
		},
		[]string{"component", "node", "key"},
	)
	confirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "outbox",
			Name:      "confirmed_total",
			Help:      "Outbox entries cleared by CONFIRM.",
		},
		[]string{"component", "node"},
	)
	expired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "outbox",
			Name:      "expired_total",
			Help:      "Outbox entries evicted after their ttl was spent.",
		},
		[]string{"component", "node", "key"},
	)
	confirmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaynet",
			Subsystem: "outbox",
			Name:      "confirm_latency_seconds",
			Help:      "Time from first transmission to CONFIRM.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "node"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handler errors and recovered panics.",
		},
		[]string{"component", "node", "key"},
	)
	outboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Messages awaiting CONFIRM.",
		},
		[]string{"component", "node"},
	)
	routes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "station",
			Name:      "routes",
			Help:      "Known logical routes.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messagesSent, messagesReceived, messagesDropped,
			retransmits, confirmed, expired, confirmLatency,
			handlerFailures, outboxPending, routes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSent(component, node, key string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(component, node, key).Inc()
}

func RecordReceived(component, node, key string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(component, node, key).Inc()
}

func RecordDropped(component, node, reason string) {
	RegisterMetrics()
	messagesDropped.WithLabelValues(component, node, reason).Inc()
}

func RecordRetransmit(component, node, key string) {
	RegisterMetrics()
	retransmits.WithLabelValues(component, node, key).Inc()
}

func RecordConfirmed(component, node string, latency time.Duration) {
	RegisterMetrics()
	confirmed.WithLabelValues(component, node).Inc()
	confirmLatency.WithLabelValues(component, node).Observe(latency.Seconds())
}

func RecordExpired(component, node, key string) {
	RegisterMetrics()
	expired.WithLabelValues(component, node, key).Inc()
}

func RecordHandlerFailure(component, node, key string) {
	RegisterMetrics()
	handlerFailures.WithLabelValues(component, node, key).Inc()
}

func SetPending(component, node string, n int) {
	RegisterMetrics()
	outboxPending.WithLabelValues(component, node).Set(float64(n))
}

func SetRoutes(node string, n int) {
	RegisterMetrics()
	routes.WithLabelValues(node).Set(float64(n))
}
