package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "external_requests_total",
			Help:      "Calls made to external providers.",
		},
		[]string{"provider", "request"},
	)

	ExternalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "external_failures_total",
			Help:      "Failed calls to external providers after retries.",
		},
		[]string{"provider", "request"},
	)

	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "folio",
			Name:      "external_latency_seconds",
			Help:      "Latency of calls to external providers, retries included.",
		},
		[]string{"provider", "request"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "folio",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "job_transitions_total",
			Help:      "Download job status transitions applied by the reconciler.",
		},
		[]string{"from", "to"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "folio",
			Name:      "active_jobs",
			Help:      "Number of active download jobs seen by the last sweep.",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "folio",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic reconciliation sweeps.",
		},
	)
)

// Register registers the folio metrics into the default registry.
func Register() {
	prometheus.MustRegister(ExternalRequests, ExternalFailures, ExternalLatency, BreakerState,
		JobTransitions, ActiveJobs, SweepDuration)
}
