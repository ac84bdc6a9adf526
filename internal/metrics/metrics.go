package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_gateway_call_duration_seconds",
			Help:    "AI gateway dispatch duration in seconds, including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~200s
		},
		[]string{"provider", "kind", "status"},
	)

	gatewayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_gateway_retries_total",
			Help: "Retried provider attempts by provider and prompt kind",
		},
		[]string{"provider", "kind"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by provider",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"provider"},
	)

	// Job metrics
	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyforge_jobs_in_flight",
			Help: "Number of jobs currently holding a generation slot",
		},
	)

	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_jobs_total",
			Help: "Terminal jobs by state and failure reason",
		},
		[]string{"state", "reason"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_job_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"state"},
	)

	pagesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storyforge_pages_completed_total",
			Help: "Pages whose text and illustration were both accepted",
		},
	)

	pageRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_page_rejections_total",
			Help: "Generated content rejected by page validation",
		},
		[]string{"kind", "reason"},
	)
)

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordGatewayCall records one dispatch outcome
func (c *Collector) RecordGatewayCall(provider, kind string, duration time.Duration, status string) {
	if c == nil {
		return
	}
	gatewayCallDuration.WithLabelValues(provider, kind, status).Observe(duration.Seconds())
}

// RecordRetry records a retried provider attempt
func (c *Collector) RecordRetry(provider, kind string) {
	if c == nil {
		return
	}
	gatewayRetries.WithLabelValues(provider, kind).Inc()
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(provider string, duration time.Duration) {
	if c == nil {
		return
	}
	rateLimiterWaitDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// JobStarted marks a job as holding a generation slot
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	jobsInFlight.Inc()
}

// JobFinished records the terminal outcome of a job
func (c *Collector) JobFinished(state, reason string, duration time.Duration) {
	if c == nil {
		return
	}
	jobOutcomes.WithLabelValues(state, reason).Inc()
	jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// JobReleased decrements the in-flight gauge
func (c *Collector) JobReleased() {
	if c == nil {
		return
	}
	jobsInFlight.Dec()
}

// PageCompleted increments the completed page counter
func (c *Collector) PageCompleted() {
	if c == nil {
		return
	}
	pagesCompleted.Inc()
}

// PageRejected records a validation rejection
func (c *Collector) PageRejected(kind, reason string) {
	if c == nil {
		return
	}
	pageRejections.WithLabelValues(kind, reason).Inc()
}

// Handler exposes the default registry for scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
