// Package metrics provides Prometheus instrumentation for the BuzzTalk chat
// server. It exposes gauges for connection and presence counts, counters for
// message throughput and delivery paths, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buzztalk_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users with at least one
	// active connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buzztalk_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts the messages processed, labeled by outcome:
	// "sent", "blocked", "dropped", or "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buzztalk_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// DeliveriesTotal counts per-recipient message deliveries, labeled by
	// path: "room" for broadcast to joined sessions, "direct" for direct
	// sends to online participants outside the room.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buzztalk_deliveries_total",
		Help: "Total number of per-recipient message deliveries",
	}, []string{"path"})

	// EventLatency records inbound event processing latency in seconds,
	// labeled by event type.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buzztalk_event_latency_seconds",
		Help:    "Inbound event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// ActiveRooms tracks the current number of conversation rooms with at
	// least one joined session.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buzztalk_active_rooms",
		Help: "Current number of conversation rooms with joined sessions",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		DeliveriesTotal,
		EventLatency,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
