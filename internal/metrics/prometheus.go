// Package metrics provides Prometheus metrics for the ad service
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Ad document metrics
	VASTFetches       *prometheus.CounterVec
	VASTFetchDuration prometheus.Histogram
	WrapperDepth      prometheus.Histogram
	ParseErrors       *prometheus.CounterVec

	// Tracking metrics
	TrackingPixels *prometheus.CounterVec

	// Scheduling metrics
	AdDecisions     *prometheus.CounterVec
	SessionsStarted prometheus.Counter
	ActiveSessions  prometheus.Gauge

	// Ad server circuit breaker metrics
	BreakerState        *prometheus.GaugeVec   // Current state per host (0=closed, 1=open, 2=half-open)
	BreakerStateChanges *prometheus.CounterVec // State transitions

	// System metrics
	AuthFailures prometheus.Counter
}

// NewMetrics creates metrics and registers them with the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics and registers them with reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "streamads"
	}

	m := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		// Ad document metrics
		VASTFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vast_fetches_total",
				Help:      "Ad document fetches by result",
			},
			[]string{"result"},
		),
		VASTFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vast_fetch_duration_seconds",
				Help:      "Ad server response time in seconds",
				Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2, 5},
			},
		),
		WrapperDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vast_wrapper_depth",
				Help:      "Wrapper hops followed to reach an InLine ad",
				Buckets:   []float64{0, 1, 2, 3, 4, 5},
			},
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Malformed ad documents by kind",
			},
			[]string{"doc"},
		),

		// Tracking metrics
		TrackingPixels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracking_pixels_total",
				Help:      "Tracking pixels sent by event and result",
			},
			[]string{"event", "result"},
		),

		// Scheduling metrics
		AdDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ad_decisions_total",
				Help:      "Ad interruptions by position and creative source",
			},
			[]string{"position", "source"},
		),
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playback_sessions_started_total",
				Help:      "Playback sessions started",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "playback_sessions_active",
				Help:      "Playback sessions currently tracked",
			},
		),

		// Ad server circuit breaker metrics
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ad_server_circuit_state",
				Help:      "Circuit breaker state per ad server host (0=closed, 1=open, 2=half-open)",
			},
			[]string{"host"},
		),
		BreakerStateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ad_server_circuit_state_changes_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"host", "from", "to"},
		),

		// System metrics
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total authentication failures",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.VASTFetches,
		m.VASTFetchDuration,
		m.WrapperDepth,
		m.ParseErrors,
		m.TrackingPixels,
		m.AdDecisions,
		m.SessionsStarted,
		m.ActiveSessions,
		m.BreakerState,
		m.BreakerStateChanges,
		m.AuthFailures,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// normalizePath normalizes URL paths to prevent cardinality explosion
// Session IDs in paths are collapsed, unknown paths use "other"
func normalizePath(path string) string {
	// Remove trailing slash for consistency
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	switch path {
	case "/api/v1/sessions":
		return "/api/v1/sessions"
	case "/api/v1/ads/timeline":
		return "/api/v1/ads/timeline"
	case "/api/v1/ads/house.xml":
		return "/api/v1/ads/house.xml"
	case "/api/v1/impressions":
		return "/api/v1/impressions"
	case "/api/v1/pixel":
		return "/api/v1/pixel"
	case "/admin/ads/validate":
		return "/admin/ads/validate"
	case "/health", "/healthz":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "":
		return "/"
	}

	if strings.HasPrefix(path, "/api/v1/sessions/") {
		rest := strings.TrimPrefix(path, "/api/v1/sessions/")
		if i := strings.Index(rest, "/"); i >= 0 {
			return "/api/v1/sessions/:id" + rest[i:]
		}
		return "/api/v1/sessions/:id"
	}
	if strings.HasPrefix(path, "/api/v1/impressions/") {
		return "/api/v1/impressions/:ad_id"
	}
	if strings.HasPrefix(path, "/admin/") {
		return "/admin/*"
	}

	// Unknown path - use generic label
	return "/other"
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)
		route := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordVASTFetch records an ad document fetch. Implements vast.Metrics.
func (m *Metrics) RecordVASTFetch(result string, duration time.Duration) {
	m.VASTFetches.WithLabelValues(result).Inc()
	if duration > 0 {
		m.VASTFetchDuration.Observe(duration.Seconds())
	}
}

// RecordWrapperDepth records how many Wrapper hops an ad took
func (m *Metrics) RecordWrapperDepth(depth int) {
	m.WrapperDepth.Observe(float64(depth))
}

// RecordParseError records a malformed VAST or VMAP document
func (m *Metrics) RecordParseError(doc string) {
	m.ParseErrors.WithLabelValues(doc).Inc()
}

// RecordTrackingPixel records a pixel delivery. Implements tracking.Metrics.
func (m *Metrics) RecordTrackingPixel(event, result string) {
	m.TrackingPixels.WithLabelValues(event, result).Inc()
}

// RecordAdDecision records an interruption for an ad
func (m *Metrics) RecordAdDecision(position, source string) {
	m.AdDecisions.WithLabelValues(position, source).Inc()
}

// RecordSessionStarted counts a new playback session
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// SetActiveSessions sets the active session gauge
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// IncAuthFailures increments the auth failures counter
// Implements middleware.AuthMetrics interface
func (m *Metrics) IncAuthFailures() {
	m.AuthFailures.Inc()
}

// SetBreakerState sets the circuit breaker state for an ad server host
func (m *Metrics) SetBreakerState(host, state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.BreakerState.WithLabelValues(host).Set(value)
}

// RecordBreakerStateChange records a circuit breaker transition. It has the
// signature of breaker.Config.OnStateChange.
func (m *Metrics) RecordBreakerStateChange(host, fromState, toState string) {
	m.BreakerStateChanges.WithLabelValues(host, fromState, toState).Inc()
	m.SetBreakerState(host, toState)
}
