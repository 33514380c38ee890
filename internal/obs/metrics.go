package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP surface metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Engine and persistence metrics.
var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_commands_total",
			Help: "Commands submitted, by type and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_queries_total",
			Help: "Queries executed, by type and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authz_command_queue_depth",
		Help: "Commands waiting in the engine queue.",
	})

	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_decision_cache_hits_total",
		Help: "Decision cache hits.",
	})

	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_decision_cache_misses_total",
		Help: "Decision cache misses.",
	})

	persistRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_persist_retries_total",
		Help: "Persistence attempts retried after a failure.",
	})

	deadLettersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_dead_letters_total",
		Help: "Changes parked in the dead-letter store.",
	})

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authz_breaker_state",
			Help: "Circuit breaker state per failure class (0 closed, 1 open, 2 half-open).",
		},
		[]string{"class"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		commandsTotal, queriesTotal, queueDepth,
		cacheHitsTotal, cacheMissesTotal,
		persistRetriesTotal, deadLettersTotal, breakerState,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCommand records one submitted command.
func ObserveCommand(kind, outcome string) {
	commandsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveQuery records one executed query.
func ObserveQuery(kind, outcome string) {
	queriesTotal.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth publishes the engine queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// CacheHit and CacheMiss track decision cache effectiveness.
func CacheHit()  { cacheHitsTotal.Inc() }
func CacheMiss() { cacheMissesTotal.Inc() }

// AddCacheHits and AddCacheMisses fold in deltas from a polled cache snapshot.
func AddCacheHits(n float64)   { cacheHitsTotal.Add(n) }
func AddCacheMisses(n float64) { cacheMissesTotal.Add(n) }

// PersistRetry records one retried persistence attempt.
func PersistRetry() { persistRetriesTotal.Inc() }

// AddPersistRetries folds in a delta from a polled bridge snapshot.
func AddPersistRetries(n float64) { persistRetriesTotal.Add(n) }

// DeadLetter records one parked change.
func DeadLetter() { deadLettersTotal.Inc() }

// SetBreakerState publishes a breaker state by class name.
func SetBreakerState(class string, state int) {
	breakerState.WithLabelValues(class).Set(float64(state))
}

// CanonicalPath normalises a request path for metric labels so unknown or
// parameterised paths cannot blow up label cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	switch path {
	case "/", "/metrics", "/healthz", "/readyz", "/v1/info",
		"/v1/commands", "/v1/queries", "/v1/auth/token", "/v1/stream":
		return path
	}
	return "/other"
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
