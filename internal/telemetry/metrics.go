package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_enqueued_total", Help: "Jobs submitted to the scheduler"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_completed_total", Help: "Jobs that reached completed state"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_failed_total", Help: "Jobs that reached failed state"})
	JobRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_job_retries_total", Help: "Job-level retries scheduled after a failed attempt"})
	ProviderFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_provider_fallbacks_total", Help: "Times the secondary provider was attempted"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ProcessingGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcription_jobs_processing", Help: "Jobs currently executing"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcription_jobs_pending", Help: "Jobs waiting for capacity"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			ProviderFallbacks,
			RateLimitRejects,
			ProcessingGauge,
			PendingGauge,
		)
	})
	return promhttp.Handler()
}
