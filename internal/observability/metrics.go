// Package observability provides Prometheus metrics for the relay
// pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the health of the dispatch pipeline and the tool
// session manager.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.EventsDispatched.WithLabelValues("api", "message.sent").Inc()
type Metrics struct {
	// EventsDispatched counts admitted events by source and type.
	EventsDispatched *prometheus.CounterVec

	// EventsDeduplicated counts dispatches suppressed by the dedup window.
	EventsDeduplicated prometheus.Counter

	// EventsSkipped counts events skipped because the kill switch was on.
	EventsSkipped prometheus.Counter

	// HandlerExecutions counts handler runs by status (success|error).
	HandlerExecutions *prometheus.CounterVec

	// QueueJobs counts durable-queue jobs by terminal status.
	QueueJobs *prometheus.CounterVec

	// SessionBuilds counts tool-session builds by status
	// (success|partial|timeout|error).
	SessionBuilds *prometheus.CounterVec

	// SessionBuildDuration measures tool-session build time in seconds.
	// Tool servers can cold-start slowly, hence the wide buckets.
	SessionBuildDuration prometheus.Histogram

	// ReloadObservations counts reload-flag observations by scope.
	ReloadObservations *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at process startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registry, for tests.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_dispatched_total",
				Help: "Total admitted events by source and type",
			},
			[]string{"source", "type"},
		),
		EventsDeduplicated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_events_deduplicated_total",
				Help: "Total dispatches suppressed as duplicates",
			},
		),
		EventsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_events_skipped_total",
				Help: "Total events skipped because the kill switch was on",
			},
		),
		HandlerExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_handler_executions_total",
				Help: "Total handler executions by status",
			},
			[]string{"status"},
		),
		QueueJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_jobs_total",
				Help: "Total durable-queue jobs by terminal status",
			},
			[]string{"status"},
		),
		SessionBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_builds_total",
				Help: "Total tool-session builds by status",
			},
			[]string{"status"},
		),
		SessionBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_session_build_duration_seconds",
				Help:    "Duration of tool-session builds in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
			},
		),
		ReloadObservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_reload_observations_total",
				Help: "Total reload-flag observations by scope",
			},
			[]string{"scope"},
		),
	}
}
