// Package metrics provides Prometheus instrumentation for the lobby server.
// It exposes gauges for connection and presence counts, counters for message
// outcomes and abuse handling, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts posts by outcome: "accepted", "validation",
	// "banned", "rate_limited", or "unavailable".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_messages_total",
		Help: "Total number of messages processed",
	}, []string{"room", "outcome"}) // room = "public", "private"

	// MessageLatency records post handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobby_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RedactionsTotal counts filter redactions by reason.
	RedactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_redactions_total",
		Help: "Total number of moderation redactions",
	}, []string{"reason"})

	// ViolationsTotal counts recorded violations by kind.
	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_violations_total",
		Help: "Total number of recorded violations",
	}, []string{"kind"})

	// AutoBansTotal counts automatic bans by violation kind.
	AutoBansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_auto_bans_total",
		Help: "Total number of automatic IP bans",
	}, []string{"kind"})

	// PresenceUsers tracks the real users counted at the last presence change.
	PresenceUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_presence_users",
		Help: "Current number of distinct real users present",
	})

	// ActiveDecoys tracks the number of active decoy users.
	ActiveDecoys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_active_decoys",
		Help: "Current number of active decoy users",
	})

	// HistoryRebuilds counts recent-window rebuilds from the durable store.
	HistoryRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobby_history_rebuilds_total",
		Help: "Total number of recent-history rebuilds from the durable store",
	})

	// SweepDuration records the time taken by one cleanup pass.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobby_sweep_duration_seconds",
		Help:    "Time taken by one cleanup pass",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		RedactionsTotal,
		ViolationsTotal,
		AutoBansTotal,
		PresenceUsers,
		ActiveDecoys,
		HistoryRebuilds,
		SweepDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
