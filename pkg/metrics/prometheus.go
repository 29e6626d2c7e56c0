// Package metrics provides Prometheus metrics for the jamur identification service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the jamur service.
type Manager struct {
	namespace             string
	subsystem             string
	httpBuckets           []float64
	classificationBuckets []float64
	constLabels           map[string]string
	registry              prometheus.Registerer

	// Identification outcomes - what the service exists for
	identifications       *prometheus.CounterVec
	classificationLatency *prometheus.HistogramVec
	uploadSize            prometheus.Histogram

	// Abuse mitigation
	rateLimitDecisions  *prometheus.CounterVec
	rateStoreErrors     prometheus.Counter
	rateTrackedClients  prometheus.Gauge
	captchaVerification *prometheus.CounterVec

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Default histogram buckets, in milliseconds.
var (
	defaultHTTPBuckets           = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000, 40000}
	defaultClassificationBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000, 30000}
)

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:             "jamur",
		subsystem:             "identify",
		httpBuckets:           defaultHTTPBuckets,
		classificationBuckets: defaultClassificationBuckets,
		constLabels:           make(map[string]string),
		registry:              prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.constLabels)

	m.identifications = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "identifications_total",
		Help:        "Identification attempts by outcome (ok, no_prediction, upstream_error)",
		ConstLabels: labels,
	}, []string{"outcome"})

	m.classificationLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "classification_latency_milliseconds",
		Help:        "Latency of the upstream computer-vision call in milliseconds",
		Buckets:     m.classificationBuckets,
		ConstLabels: labels,
	}, []string{"outcome"})

	m.uploadSize = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "upload_size_bytes",
		Help:        "Size of accepted image uploads in bytes",
		Buckets:     prometheus.ExponentialBuckets(16*1024, 2, 10),
		ConstLabels: labels,
	})

	m.rateLimitDecisions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "ratelimit_decisions_total",
		Help:        "Rate limiter decisions by outcome (allowed, rejected)",
		ConstLabels: labels,
	}, []string{"outcome"})

	m.rateStoreErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "ratelimit_store_errors_total",
		Help:        "Rate store failures; requests are admitted when the store fails",
		ConstLabels: labels,
	})

	m.rateTrackedClients = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "ratelimit_tracked_clients",
		Help:        "Number of client identifiers held by the in-memory rate store",
		ConstLabels: labels,
	})

	m.captchaVerification = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "captcha_verifications_total",
		Help:        "Challenge token verifications by outcome (passed, failed)",
		ConstLabels: labels,
	}, []string{"outcome"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_requests_total",
		Help:        "Total number of HTTP requests",
		ConstLabels: labels,
	}, []string{"endpoint", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.httpBuckets,
		ConstLabels: labels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorRateByEndpoint = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "errors_by_endpoint_total",
		Help:        "Error responses by endpoint, method and error type",
		ConstLabels: labels,
	}, []string{"endpoint", "method", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "system_memory_usage_bytes",
		Help:        "System memory usage in bytes",
		ConstLabels: labels,
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "system_goroutine_count",
		Help:        "Number of goroutines",
		ConstLabels: labels,
	})

	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "system_gc_pause_time_milliseconds",
		Help:        "GC pause time in milliseconds",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		ConstLabels: labels,
	})
}

// RecordIdentification counts an identification attempt by outcome.
func RecordIdentification(outcome string) {
	globalManager.identifications.WithLabelValues(outcome).Inc()
}

// RecordClassificationLatency records the upstream call latency in milliseconds.
func RecordClassificationLatency(outcome string, latencyMs float64) {
	globalManager.classificationLatency.WithLabelValues(outcome).Observe(latencyMs)
}

// RecordUploadSize records the size of an accepted upload.
func RecordUploadSize(bytes int64) {
	globalManager.uploadSize.Observe(float64(bytes))
}

// RecordRateLimitDecision counts a limiter decision.
func RecordRateLimitDecision(allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	globalManager.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

// RecordRateStoreError counts a failed rate store round trip.
func RecordRateStoreError() {
	globalManager.rateStoreErrors.Inc()
}

// UpdateRateTrackedClients sets the number of identifiers held by the rate store.
func UpdateRateTrackedClients(count int) {
	globalManager.rateTrackedClients.Set(float64(count))
}

// RecordCaptchaVerification counts a challenge verification.
func RecordCaptchaVerification(passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	globalManager.captchaVerification.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
