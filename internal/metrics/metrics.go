// Package metrics provides Prometheus instrumentation for the realtime
// gateway. It exposes gauges for connection counts, counters for message and
// notification throughput, and histograms for persistence latency and
// broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// AuthTotal counts authentication attempts by result: "ok", "rejected",
	// or "timeout".
	AuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_total",
		Help: "Total number of authentication attempts",
	}, []string{"result"})

	// MessagesTotal counts routed private messages by outcome: "delivered",
	// "offline", "relayed", or "persist_error".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Total number of private messages routed",
	}, []string{"outcome"})

	// NotificationsTotal counts dispatched notifications by type.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_total",
		Help: "Total number of notifications dispatched",
	}, []string{"kind"})

	// PersistLatency records message/notification persistence latency.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_persist_latency_seconds",
		Help:    "Message and notification persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BroadcastRecipients records how many connections each broadcast reached.
	BroadcastRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_broadcast_recipients",
		Help:    "Number of connections targeted per broadcast",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		AuthTotal,
		MessagesTotal,
		NotificationsTotal,
		PersistLatency,
		BroadcastRecipients,
	)
}

// PersistTimer starts a timer that observes into PersistLatency.
func PersistTimer() *prometheus.Timer {
	return prometheus.NewTimer(PersistLatency)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
