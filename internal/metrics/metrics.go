// Package metrics registers the prometheus collectors shared by the api and
// worker binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwall_jobs_processed_total",
			Help: "Generation attempts finished by the worker, by outcome.",
		},
		[]string{"outcome"},
	)

	QueueRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mapwall_queue_retries_total",
			Help: "Queue entries scheduled for another attempt.",
		},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapwall_render_duration_seconds",
			Help:    "Time spent producing one base snapshot.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	EnhancementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwall_enhancement_failures_total",
			Help: "AI enhancement steps that failed and were skipped.",
		},
		[]string{"step"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwall_ratelimit_decisions_total",
			Help: "Rate limiter decisions by scope and result.",
		},
		[]string{"scope", "result"},
	)

	RateLimitFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwall_ratelimit_fallbacks_total",
			Help: "Checks answered by the process-local counter because the shared store failed.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessed,
		QueueRetries,
		RenderDuration,
		EnhancementFailures,
		RateLimitDecisions,
		RateLimitFallbacks,
	)
}
