// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed, by backend and family",
	}, []string{"backend", "family"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached a successful terminal state",
	}, []string{"backend", "family"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached a failed terminal state",
	}, []string{"backend", "family"})
	JobsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_released_total",
		Help: "Total number of failed jobs released for another attempt (escalations are counted in jobs_dead_lettered_total)",
	}, []string{"backend", "family"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_lettered_total",
		Help: "Total number of jobs that exhausted attempts and escalated to terminal failure",
	}, []string{"backend", "family"})
	ExecuteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execute_duration_seconds",
		Help:    "Histogram of Execute call durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"family"})
	OcrBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocr_backlog",
		Help: "Current OCR backlog size per mode, summed across OCR-enabled backends",
	}, []string{"mode"})
	OcrPoolAllocation = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocr_pool_allocation",
		Help: "Current number of OCR workers allocated per mode",
	}, []string{"mode"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by backend",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
	SweeperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_recovered_total",
		Help: "Total number of jobs recovered (reset to pending) by the stuck-job sweeper",
	}, []string{"backend", "family"})
	WorkersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workers_live",
		Help: "Number of dispatcher tasks currently running in this process",
	})
)

func init() {
	prometheus.MustRegister(
		JobsClaimed, JobsCompleted, JobsFailed, JobsReleased, JobsDeadLettered,
		ExecuteDuration, OcrBacklogGauge, OcrPoolAllocation,
		CircuitBreakerState, CircuitBreakerTrips, SweeperRecovered, WorkersLive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
