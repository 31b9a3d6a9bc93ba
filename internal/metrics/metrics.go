package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the courier daemon
type Metrics struct {
	// Task metrics
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TasksInFlight prometheus.Gauge
	TaskRetries   prometheus.Counter

	// Executor metrics
	OutputBytes   *prometheus.CounterVec
	ProcessSpawns *prometheus.CounterVec
	ProcessKills  prometheus.Counter

	// Sink metrics
	StatusUpdates *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_tasks_total",
					Help: "Total number of tasks executed, by agent and terminal status",
				},
				[]string{"agent_key", "status"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_task_duration_seconds",
					Help:    "Task execution duration in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 68min
				},
				[]string{"agent_key"},
			),
			TasksInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "courier_tasks_in_flight",
					Help: "Number of tasks currently executing",
				},
			),
			TaskRetries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_task_retries_total",
					Help: "Total number of retry tasks created",
				},
			),

			OutputBytes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_output_bytes_total",
					Help: "Total bytes of agent stdout streamed to the sink",
				},
				[]string{"agent_key"},
			),
			ProcessSpawns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_process_spawns_total",
					Help: "Total subprocess spawns, by agent and result",
				},
				[]string{"agent_key", "result"},
			),
			ProcessKills: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_process_kills_total",
					Help: "Total processes terminated by timeout or cancellation",
				},
			),

			StatusUpdates: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_status_updates_total",
					Help: "Total status updates written to the sink",
				},
				[]string{"status"},
			),
			SinkErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_sink_errors_total",
					Help: "Total sink write failures",
				},
				[]string{"operation"},
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordTask records one finished task.
func (m *Metrics) RecordTask(agentKey, status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(agentKey, status).Inc()
	m.TaskDuration.WithLabelValues(agentKey).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
