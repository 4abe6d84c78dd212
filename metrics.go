package fetchkit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the call lifecycle and the
// built-in plugins. It is safe for concurrent use and every method accepts a
// nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	rateLimitWait       *prometheus.HistogramVec
	rateLimitRejections *prometheus.CounterVec
	rateLimitQueueDepth *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	deduplicationHits    *prometheus.CounterVec
	deduplicationPending prometheus.Gauge

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

var (
	defaultCollectorOnce sync.Once
	defaultCollector     *MetricsCollector
)

// defaultMetricsCollector returns the collector registered on the default
// registerer, creating it on first use.
func defaultMetricsCollector() *MetricsCollector {
	defaultCollectorOnce.Do(func() {
		defaultCollector = NewMetricsCollector()
	})
	return defaultCollector
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_requests_total",
				Help: "Total number of logical calls settled",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchkit_request_duration_seconds",
				Help:    "Duration of logical calls in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchkit_requests_in_flight",
				Help: "Number of logical calls currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_retries_total",
				Help: "Total number of pipeline re-runs granted by error hooks",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_retry_budget_exceeded_total",
				Help: "Total number of retries denied by the retry budget",
			},
			[]string{"host"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchkit_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchkit_rate_limit_wait_seconds",
				Help:    "Time spent queued by the rate limiter",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"key"},
		),
		rateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_rate_limit_rejections_total",
				Help: "Total number of calls rejected by the rate limiter",
			},
			[]string{"key"},
		),
		rateLimitQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchkit_rate_limit_queue_depth",
				Help: "Number of calls waiting for a rate limit slot",
			},
			[]string{"key"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchkit_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"name"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_deduplication_hits_total",
				Help: "Total number of calls attached to an in-flight duplicate",
			},
			[]string{"method", "endpoint"},
		),
		deduplicationPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchkit_deduplication_pending",
				Help: "Number of in-flight deduplication entries",
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_errors_total",
				Help: "Total number of failed logical calls by error type",
			},
			[]string{"type", "method", "endpoint"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments the budget exceeded counter for the
// endpoint's host.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}

	host := endpoint
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		host = endpoint[:idx]
	}
	mc.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordRateLimitWait observes time spent queued.
func (mc *MetricsCollector) RecordRateLimitWait(key string, wait time.Duration) {
	if mc == nil {
		return
	}

	mc.rateLimitWait.WithLabelValues(key).Observe(wait.Seconds())
}

// RecordRateLimitRejection increments the rejection counter.
func (mc *MetricsCollector) RecordRateLimitRejection(key string) {
	if mc == nil {
		return
	}

	mc.rateLimitRejections.WithLabelValues(key).Inc()
}

// RecordRateLimitQueueDepth sets the queue depth gauge.
func (mc *MetricsCollector) RecordRateLimitQueueDepth(key string, depth int) {
	if mc == nil {
		return
	}

	mc.rateLimitQueueDepth.WithLabelValues(key).Set(float64(depth))
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordDeduplicationPending sets the in-flight entry gauge.
func (mc *MetricsCollector) RecordDeduplicationPending(n int) {
	if mc == nil {
		return
	}

	mc.deduplicationPending.Set(float64(n))
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a non-Registry registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
