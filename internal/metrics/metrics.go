// Package metrics exposes Prometheus collectors for the primer design service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	pipelineDurationSeconds    *prometheus.HistogramVec
	jobsInflight               prometheus.Gauge
	validationRejectionsTotal  *prometheus.CounterVec
	sweepDeletedTotal          prometheus.Counter
	sweepErrorsTotal           prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kasp_jobs_total",
				Help: "Total number of design jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		pipelineDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kasp_pipeline_duration_seconds",
				Help:    "Histogram of snp-primer run durations, labeled by job status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)

		jobsInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kasp_jobs_inflight",
				Help: "Number of pipeline runs currently executing.",
			},
		)

		validationRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kasp_validation_rejections_total",
				Help: "Total number of rejected design submissions, labeled by reason.",
			},
			[]string{"reason"},
		)

		sweepDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kasp_sweep_deleted_total",
				Help: "Total number of expired workspaces deleted by the sweeper.",
			},
		)

		sweepErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kasp_sweep_errors_total",
				Help: "Total number of sweeper failures (listing or deleting workspaces).",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120, 300},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a finished job and records how long its pipeline ran.
func ObserveJob(status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// IncInflight increments the running pipelines gauge.
func IncInflight() {
	Init()
	jobsInflight.Inc()
}

// DecInflight decrements the running pipelines gauge.
func DecInflight() {
	Init()
	jobsInflight.Dec()
}

// ObserveRejection counts a submission rejected before a job was created.
func ObserveRejection(reason string) {
	Init()
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveSweepDeleted counts one workspace removed by the sweeper.
func ObserveSweepDeleted() {
	Init()
	sweepDeletedTotal.Inc()
}

// ObserveSweepError counts one sweeper failure.
func ObserveSweepError() {
	Init()
	sweepErrorsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
