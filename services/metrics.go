package services

import "github.com/prometheus/client_golang/prometheus"

var (
	newDecisionsCounter prometheus.Counter
	stepFailures        *prometheus.CounterVec
	pipelineStops       *prometheus.CounterVec
	citationPassSeconds prometheus.Histogram
)

func init() {
	newDecisionsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upc_new_decisions_added_total",
			Help: "Total number of new decisions added to the database.",
		},
	)
	stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upc_pipeline_step_failures_total",
			Help: "Failed pipeline steps by reason and stage.",
		},
		[]string{"reason", "stage"},
	)
	pipelineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upc_pipeline_stops_total",
			Help: "Finished listing traversals by stop reason.",
		},
		[]string{"reason"},
	)
	citationPassSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upc_citation_pass_duration_seconds",
			Help:    "Duration of a full citation recompute.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	prometheus.MustRegister(newDecisionsCounter, stepFailures, pipelineStops, citationPassSeconds)
}
