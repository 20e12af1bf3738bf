package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of CNPJ jobs enqueued",
		},
		[]string{},
	)
	// JobsByStatus is a gauge of jobs currently in each status.
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_by_status",
			Help: "Number of jobs currently in each status",
		},
		[]string{"status"},
	)
	// JobsCompletedTotal counts jobs that reached completed.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{},
	)
	// JobsFailedTotal counts jobs that reached error or rate_limited.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that reached a failure terminal status",
		},
		[]string{"status"},
	)
	// JobsRequeuedTotal counts requeues performed by the reaper or retry logic.
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of jobs requeued",
		},
		[]string{"reason"},
	)

	// ProviderRequestsTotal counts provider call outcomes.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider requests by outcome",
		},
		[]string{"provider", "outcome"},
	)
	// ProviderRequestDuration records provider call latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider HTTP call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	// ProviderBucketTokens tracks the current token level per provider.
	ProviderBucketTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_bucket_tokens",
			Help: "Current token count in each provider's bucket",
		},
		[]string{"provider"},
	)
	// ProviderSafetyFactor tracks the current adaptive safety factor per provider.
	ProviderSafetyFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_safety_factor",
			Help: "Current adaptive safety factor per provider",
		},
		[]string{"provider"},
	)
	// ProviderCooldownActive reports 1 while a provider is in cooldown.
	ProviderCooldownActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_cooldown_active",
			Help: "1 if the provider is currently in cooldown, else 0",
		},
		[]string{"provider"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderBucketTokens)
	prometheus.MustRegister(ProviderSafetyFactor)
	prometheus.MustRegister(ProviderCooldownActive)
}

// HTTPMetricsMiddleware records Prometheus metrics for each admin request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordEnqueue increments the enqueued-jobs counter.
func RecordEnqueue() {
	JobsEnqueuedTotal.WithLabelValues().Inc()
}

// RecordCompleted increments the completed-jobs counter.
func RecordCompleted() {
	JobsCompletedTotal.WithLabelValues().Inc()
}

// RecordFailed increments the failed-jobs counter for the given terminal status.
func RecordFailed(status string) {
	JobsFailedTotal.WithLabelValues(status).Inc()
}

// RecordRequeue increments the requeued-jobs counter for the given reason.
func RecordRequeue(reason string) {
	JobsRequeuedTotal.WithLabelValues(reason).Inc()
}

// RecordProviderOutcome increments the provider outcome counter and observes
// the call's duration, whatever the outcome.
func RecordProviderOutcome(provider, outcome string, duration time.Duration) {
	ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetProviderGauges publishes a provider's current bucket/safety/cooldown state.
func SetProviderGauges(provider string, tokens, safetyFactor float64, cooldownActive bool) {
	ProviderBucketTokens.WithLabelValues(provider).Set(tokens)
	ProviderSafetyFactor.WithLabelValues(provider).Set(safetyFactor)
	cd := 0.0
	if cooldownActive {
		cd = 1.0
	}
	ProviderCooldownActive.WithLabelValues(provider).Set(cd)
}
