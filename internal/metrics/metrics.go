// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and pairing counts, counters for relayed
// events and moderation outcomes, and a histogram for classifier latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// Online tracks the online count broadcast to clients.
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_online",
		Help: "Current number of connected sessions",
	})

	// Waiting tracks the number of connections in the waiting queue.
	Waiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_waiting",
		Help: "Current number of connections waiting for a partner",
	})

	// Pairs tracks the number of active pairings.
	Pairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_pairs",
		Help: "Current number of paired connections divided by two",
	})

	// RelayedTotal counts events forwarded to a partner, labeled by kind:
	// "text", "image" or "typing".
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangers_relayed_total",
		Help: "Total number of events forwarded to a partner",
	}, []string{"kind"})

	// DroppedTotal counts client actions that were not delivered, labeled by
	// reason: "no_partner", "rate_limited" or "invalid".
	DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangers_dropped_total",
		Help: "Total number of client actions that were dropped",
	}, []string{"reason"})

	// ModerationTotal counts classifier round-trips by outcome: "clean",
	// "flagged", "error" or "stale".
	ModerationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangers_moderation_total",
		Help: "Total number of image moderation checks by outcome",
	}, []string{"outcome"})

	// ModerationLatency records classifier latency in seconds.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangers_moderation_latency_seconds",
		Help:    "Image classification latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Online,
		Waiting,
		Pairs,
		RelayedTotal,
		DroppedTotal,
		ModerationTotal,
		ModerationLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
