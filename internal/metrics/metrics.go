package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of finished jobs by termination reason",
		},
		[]string{"language", "reason"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Sandbox wall time in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language"},
	)

	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_rejected_total",
			Help: "Requests rejected before a sandbox was launched",
		},
		[]string{"kind"}, // kind: "invalid_request", "unsupported_language"
	)

	QueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_queue_wait_ms",
			Help:    "Time a job waited for an execution slot",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	ActiveSandboxes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_sandboxes",
			Help: "Number of sandboxes currently running",
		},
	)

	OutputBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_output_bytes_total",
			Help: "Bytes streamed from sandboxes",
		},
		[]string{"stream"},
	)

	ContainerStartTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_container_start_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cleanup_failures_total",
			Help: "Sandbox or workspace releases that returned an error",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
