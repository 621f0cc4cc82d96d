// Package metrics provides Prometheus instrumentation for the Courier chat
// relay. It exposes gauges for connection and presence counts, counters for
// relay and persistence throughput, and a histogram for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of locally owned WebSocket
	// connections on this instance.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connections",
		Help: "Current number of active WebSocket connections on this instance",
	})

	// ActiveUsers tracks the size of the last active-user snapshot broadcast.
	ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_active_users",
		Help: "User identities present in the last active-user snapshot",
	})

	// RelayEvents counts relay events received, labeled by kind:
	// "online", "offline", or "message".
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_relay_events_total",
		Help: "Total relay events received from the event bus",
	}, []string{"kind"})

	// Deliveries counts receive_message frames emitted to local connections.
	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_deliveries_total",
		Help: "Total message deliveries to locally owned connections",
	})

	// Persisted counts durable write attempts, labeled by result:
	// "ok" or "error".
	Persisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_persist_total",
		Help: "Total message persistence attempts by the write pipeline",
	}, []string{"result"})

	// DeadLetters counts messages routed to the dead-letter subject after
	// the retry bound was exhausted.
	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_dead_letters_total",
		Help: "Total messages routed to the dead-letter subject",
	})

	// PersistLatency records storage insert latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_persist_latency_seconds",
		Help:    "Storage insert latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ActiveUsers,
		RelayEvents,
		Deliveries,
		Persisted,
		DeadLetters,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
