// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and registration counts, counters for
// message throughput, and a histogram for broadcast fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredNames tracks the current number of distinct registered names.
	RegisteredNames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registered_names",
		Help: "Current number of distinct registered display names",
	})

	// MessagesTotal counts the messages processed, labeled by outcome:
	// "accepted", "dropped" (blank after sanitizing), or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of message events processed",
	}, []string{"outcome"})

	// BroadcastLatency records full fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_latency_seconds",
		Help:    "Time to fan a payload out to all connections",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// StoreAppendFailures counts fire-and-forget durable appends that failed.
	StoreAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_append_failures_total",
		Help: "Total number of failed durable store appends",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredNames,
		MessagesTotal,
		BroadcastLatency,
		StoreAppendFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
