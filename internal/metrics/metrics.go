// Package metrics holds the pipeline's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates counters for one process. Each binary creates its
// own registry so tests never collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesEnqueued  *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	BroadcastSuccess  *prometheus.CounterVec
	BroadcastFailure  *prometheus.CounterVec
	PollerRetries     *prometheus.CounterVec
	DeadLettered      *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
}

// New builds a registry with all pipeline counters registered.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received on the front websocket, per room.",
		}, []string{"room"}),
		MessagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Messages accepted and pushed to the room queue, per room.",
		}, []string{"room"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages failing validation, per room.",
		}, []string{"room"}),
		BroadcastSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_success_total",
			Help:      "Per-connection broadcast deliveries that succeeded, per room.",
		}, []string{"room"}),
		BroadcastFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failure_total",
			Help:      "Per-connection broadcast deliveries that failed, per room.",
		}, []string{"room"}),
		PollerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_retries_total",
			Help:      "Handler retry attempts in the queue poller, per room.",
		}, []string{"room"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Messages routed to the dead-letter queue, per room.",
		}, []string{"room"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Registry heartbeat rounds that failed.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived, m.MessagesEnqueued, m.MessagesRejected,
		m.BroadcastSuccess, m.BroadcastFailure,
		m.PollerRetries, m.DeadLettered, m.HeartbeatFailures,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
