package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Outbound provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Outbound provider attempt duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
	ProviderGateWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_gate_wait_seconds",
			Help:    "Time spent waiting for call-gate admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"provider"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_claimed_total",
			Help: "Jobs claimed by this controller instance",
		},
	)
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_active",
			Help: "Jobs currently being driven by this instance",
		},
	)
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_terminal_total",
			Help: "Jobs reaching a terminal stage, by stage",
		},
		[]string{"stage"},
	)
	SegmentsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_segments_completed_total",
			Help: "Segments finished across all jobs",
		},
	)
	SegmentCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_segment_cache_total",
			Help: "Fingerprint cache lookups by result",
		},
		[]string{"result"},
	)
	QuotaCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_commits_total",
			Help: "Ledger commits by outcome (applied or duplicate)",
		},
		[]string{"outcome"},
	)
	MinutesBilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_minutes_billed_total",
			Help: "Minutes billed across all completed jobs",
		},
	)
	SubscribersDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_subscribers_dropped_total",
			Help: "Progress subscribers dropped for falling behind",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderGateWait)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobsTerminalTotal)
	prometheus.MustRegister(SegmentsCompletedTotal)
	prometheus.MustRegister(SegmentCacheHitsTotal)
	prometheus.MustRegister(QuotaCommitsTotal)
	prometheus.MustRegister(MinutesBilledTotal)
	prometheus.MustRegister(SubscribersDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
