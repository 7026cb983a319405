// Package metrics provides Prometheus metrics for termdeck.
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
	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_cache_lookups_total",
			Help: "Directory cache lookups by result",
		},
		[]string{"result"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termdeck_cache_entries",
			Help: "Number of cached directory listings",
		},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termdeck_provider_fetch_duration_seconds",
			Help:    "Directory listing fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_provider_fetches_total",
			Help: "Directory listing fetches by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	staleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_stale_background_failures_total",
			Help: "Background fetch failures swallowed in favour of cached data",
		},
		[]string{"kind"},
	)

	preloadTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_preload_tasks_total",
			Help: "Preload tasks by outcome (queued, skipped, run)",
		},
		[]string{"outcome"},
	)

	optimisticTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_optimistic_mutations_total",
			Help: "Optimistic cache mutations by operation",
		},
		[]string{"op"},
	)

	rollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termdeck_cache_rollbacks_total",
			Help: "Cache rollbacks after a failed confirmation",
		},
	)

	// Remote filesystem operations
	providerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_provider_operations_total",
			Help: "Remote filesystem operations by backend, operation and outcome",
		},
		[]string{"backend", "op", "status"},
	)

	providerOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termdeck_provider_operation_duration_seconds",
			Help:    "Remote filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Session metrics
	sessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "termdeck_sessions",
			Help: "Registered sessions by state",
		},
		[]string{"state"},
	)

	commandsCapturedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termdeck_commands_captured_total",
			Help: "Commands reconstructed from session input",
		},
	)

	sessionBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_session_bytes_total",
			Help: "Bytes relayed through session transports",
		},
		[]string{"direction"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termdeck_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the number of cached listings.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordFetch records a listing fetch. kind is foreground, revalidate or preload.
func RecordFetch(kind string, duration time.Duration, success bool) {
	fetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	fetchesTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordStaleFailure records a swallowed background failure.
func RecordStaleFailure(kind string) {
	staleFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordPreloadTask records a preload task outcome.
func RecordPreloadTask(outcome string) {
	preloadTasksTotal.WithLabelValues(outcome).Inc()
}

// RecordOptimistic records an optimistic mutation applied to the cache.
func RecordOptimistic(op string) {
	optimisticTotal.WithLabelValues(op).Inc()
}

// RecordRollback records a cache rollback.
func RecordRollback() {
	rollbacksTotal.Inc()
}

// RecordProviderOp records a remote filesystem operation.
func RecordProviderOp(backend, op string, duration time.Duration, success bool) {
	providerOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	providerOpsTotal.WithLabelValues(backend, op, status(success)).Inc()
}

// RecordSessionTransition moves one session between state gauges. An empty
// from means the session was just registered; an empty to means it was removed.
func RecordSessionTransition(from, to string) {
	if from != "" {
		sessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		sessionsByState.WithLabelValues(to).Inc()
	}
}

// RecordCommandCaptured records a completed command.
func RecordCommandCaptured() {
	commandsCapturedTotal.Inc()
}

// RecordSessionBytes records relayed bytes; direction is "in" or "out".
func RecordSessionBytes(direction string, n int) {
	sessionBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode)
	})
}
