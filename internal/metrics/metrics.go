// Package metrics provides Prometheus instrumentation for ChattRoom. It
// exposes a gauge for live connections, counters for message throughput and
// moderation outcomes, and a histogram for trigger latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chattroom_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages by what happened to them.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chattroom_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "posted", "rejected", "flagged", "pruned"

	// TriggerOutcomes counts trigger invocations by result.
	TriggerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chattroom_trigger_invocations_total",
		Help: "Moderation trigger invocations by outcome",
	}, []string{"outcome"}) // outcome = "moderated", "clean", "skipped", "failed", "recovered"

	// TriggerDuration records how long a completed trigger invocation took.
	TriggerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chattroom_trigger_duration_seconds",
		Help:    "Moderation trigger latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// PruneFailures counts prune attempts that failed and were swallowed.
	PruneFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chattroom_prune_failures_total",
		Help: "Retention prune attempts that failed",
	})

	// FeedBroadcasts counts feed snapshots pushed to connected clients.
	FeedBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chattroom_feed_broadcasts_total",
		Help: "Live feed snapshots broadcast to clients",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		TriggerOutcomes,
		TriggerDuration,
		PruneFailures,
		FeedBroadcasts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
