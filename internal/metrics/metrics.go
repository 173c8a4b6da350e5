package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orrery_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	propagationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orrery_propagation_duration_seconds",
			Help:    "Time to compute one keyframe.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
	)

	propagatedBodiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orrery_propagated_bodies_total",
			Help: "Total number of body positions computed for keyframes.",
		},
	)

	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_position_lookups_total",
			Help: "Position lookups served by the API, by result.",
		},
		[]string{"result"},
	)

	scaleFactor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_scale_factor",
			Help: "Current AU to scene-unit scale factor.",
		},
	)

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_cache_entries",
		Help: "Number of keyframes held in the cache.",
	})
	cacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_cache_size_bytes",
		Help: "Estimated cache memory footprint.",
	})
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_cache_hits_total",
		Help: "Keyframe cache hits.",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_cache_misses_total",
		Help: "Keyframe cache misses.",
	})
	cacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_cache_evictions_total",
		Help: "Keyframes evicted from the trailing edge.",
	})
	cacheRegenerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orrery_cache_regeneration_duration_seconds",
		Help:    "Duration of leading-edge generation and cutovers.",
		Buckets: prometheus.DefBuckets,
	})
	cacheRegenerationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_cache_regeneration_errors_total",
		Help: "Keyframe generation failures inside the cache loop.",
	})
	cacheGracePeriodActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_cache_grace_period_active",
		Help: "1 while a scale cutover is rebuilding the cache.",
	})

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_streams_active",
		Help: "Open SSE streams.",
	})
	streamConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orrery_stream_connections_total",
		Help: "SSE connection events.",
	}, []string{"event"})
	streamMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_stream_messages_total",
		Help: "SSE data messages sent.",
	})
	streamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_stream_bytes_total",
		Help: "SSE bytes written.",
	})
	streamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orrery_stream_errors_total",
		Help: "SSE errors by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		propagationDurationSeconds,
		propagatedBodiesTotal,
		lookupsTotal,
		scaleFactor,
		cacheEntries,
		cacheSizeBytes,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheRegenerationDuration,
		cacheRegenerationErrors,
		cacheGracePeriodActive,
		streamsActive,
		streamConnectionsTotal,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordPropagation(d time.Duration, bodies int) {
	propagationDurationSeconds.Observe(d.Seconds())
	propagatedBodiesTotal.Add(float64(bodies))
}

// IncLookups counts an API position lookup; result is "ok" or "unknown_body".
func IncLookups(result string) { lookupsTotal.WithLabelValues(result).Inc() }

func SetScaleFactor(s float64) { scaleFactor.Set(s) }

func SetCacheEntries(n int) { cacheEntries.Set(float64(n)) }
func SetCacheSizeBytes(n int64) { cacheSizeBytes.Set(float64(n)) }
func IncCacheHits() { cacheHitsTotal.Inc() }
func IncCacheMisses() { cacheMissesTotal.Inc() }
func AddCacheEvictions(n int) { cacheEvictionsTotal.Add(float64(n)) }
func IncCacheRegenerationErrors() { cacheRegenerationErrors.Inc() }
func ObserveCacheRegenerationDuration(d time.Duration) {
	cacheRegenerationDuration.Observe(d.Seconds())
}

func SetCacheGracePeriodActive(active bool) {
	if active {
		cacheGracePeriodActive.Set(1)
		return
	}
	cacheGracePeriodActive.Set(0)
}

func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }
func IncStreamConnections(event string) { streamConnectionsTotal.WithLabelValues(event).Inc() }
func IncStreamMessages() { streamMessagesTotal.Inc() }
func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }
func IncStreamErrors(reason string) { streamErrorsTotal.WithLabelValues(reason).Inc() }

// knownRoutes are fixed paths reported verbatim.
var knownRoutes = map[string]bool{
	"/healthz":                       true,
	"/readyz":                        true,
	"/metrics":                       true,
	"/api/v1/version":                true,
	"/api/v1/bodies":                 true,
	"/api/v1/positions":              true,
	"/api/v1/cache/keyframes/latest": true,
	"/api/v1/cache/stats":            true,
	"/api/v1/cache/scale":            true,
	"/api/v1/stream/keyframes":       true,
}

// paramRoutes collapse per-body paths into one label each.
var paramRoutes = []struct {
	prefix string
	label  string
}{
	{"/api/v1/bodies/", "/api/v1/bodies/{name}"},
	{"/api/v1/positions/", "/api/v1/positions/{name}"},
	{"/api/v1/ephemeris/", "/api/v1/ephemeris/{name}"},
}

// normalizeRoute maps a request path onto a bounded set of label values so
// scanners and arbitrary body names cannot blow up series cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	for _, r := range paramRoutes {
		if rest, ok := strings.CutPrefix(path, r.prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return r.label
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE keeps working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying connection.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
