// Package metrics exposes Prometheus instrumentation for Conductor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_executions_total",
			Help: "Total number of executions by terminal status",
		},
		[]string{"template", "status"},
	)

	executionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_executions_running",
			Help: "Number of executions currently running",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Number of executions waiting in the admission queue",
		},
	)

	stageDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_stage_dispatches_total",
			Help: "Total number of stage dispatches",
		},
		[]string{"worker", "outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_stage_duration_seconds",
			Help:    "Stage dispatch round-trip time in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	resourceAllocated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_resource_allocated",
			Help: "Currently allocated quantity per resource pool",
		},
		[]string{"resource"},
	)

	executionCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_execution_cost_usd_total",
			Help: "Accumulated execution cost in USD",
		},
		[]string{"template"},
	)
)

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecution records an execution reaching a terminal status.
func RecordExecution(template, status string) {
	executionsTotal.WithLabelValues(template, status).Inc()
}

// SetExecutionsRunning sets the running-executions gauge.
func SetExecutionsRunning(n int) {
	executionsRunning.Set(float64(n))
}

// SetQueueDepth sets the queue-depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordStageDispatch records one dispatch round trip.
func RecordStageDispatch(worker, outcome string, duration time.Duration) {
	stageDispatches.WithLabelValues(worker, outcome).Inc()
	stageDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// SetResourceAllocated sets the allocated gauge for a resource pool.
func SetResourceAllocated(resource string, quantity float64) {
	resourceAllocated.WithLabelValues(resource).Set(quantity)
}

// RecordExecutionCost adds to the accumulated cost counter.
func RecordExecutionCost(template string, usd float64) {
	if usd > 0 {
		executionCost.WithLabelValues(template).Add(usd)
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
