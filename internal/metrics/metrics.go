// Package metrics provides Prometheus instrumentation for the presence relay.
// It exposes gauges for connection and presence counts, counters for relayed
// traffic, and a histogram for presence broadcast fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections, anonymous observers included.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of user ids currently in the registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of registered (online) users",
	})

	// PresenceBroadcasts counts getOnlineUsers fan-outs.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Total number of presence snapshots broadcast to all connections",
	})

	// BroadcastLatency records how long a presence fan-out takes.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_presence_broadcast_seconds",
		Help:    "Presence broadcast fan-out latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})

	// MessagesTotal counts routed direct messages, labeled by outcome:
	// "delivered", "dropped" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of direct messages processed",
	}, []string{"outcome"})

	// TypingEvents counts typing notifications sent to receivers, labeled by
	// cause: "start", "stop", "expired" or "switched".
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_typing_events_total",
		Help: "Total number of userTyping notifications routed",
	}, []string{"cause"})

	// ActiveTypers tracks senders currently in the typing state.
	ActiveTypers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_typers",
		Help: "Current number of senders with an outstanding typing indicator",
	})

	// RateLimited counts events rejected by the rate limiter, labeled by the
	// client event type.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of client events rejected by rate limiting",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		PresenceBroadcasts,
		BroadcastLatency,
		MessagesTotal,
		TypingEvents,
		ActiveTypers,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
