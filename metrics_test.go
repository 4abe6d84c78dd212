package fetchkit

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*MetricsCollector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewMetricsCollectorWithRegistry(registry), registry
}

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	mc, registry := newTestMetrics(t)

	assert.Same(t, registry, mc.GetRegistry())
	assert.NotNil(t, mc.requestsTotal)
	assert.NotNil(t, mc.rateLimitWait)
	assert.NotNil(t, mc.deduplicationPending)
}

func TestMetricsCollectorWithNil(t *testing.T) {
	var mc *MetricsCollector

	assert.NotPanics(t, func() {
		mc.RecordRequest("GET", "e", 200, time.Second)
		mc.RecordRequestStart("GET", "e")
		mc.RecordRequestEnd("GET", "e")
		mc.RecordRetry("GET", "e", 1)
		mc.RecordRetryBudgetExceeded("e")
		mc.RecordCircuitBreakerState("b", StateOpen)
		mc.RecordRateLimitWait("k", time.Second)
		mc.RecordRateLimitRejection("k")
		mc.RecordRateLimitQueueDepth("k", 1)
		mc.RecordCacheHit("GET", "e")
		mc.RecordCacheMiss("GET", "e")
		mc.RecordCacheSize("c", 1)
		mc.RecordError("Network", "GET", "e")
		mc.RecordDeduplicationHit("GET", "e")
		mc.RecordDeduplicationPending(1)
	})
	assert.Nil(t, mc.GetRegistry())
}

func TestRecordCircuitBreakerState(t *testing.T) {
	mc, _ := newTestMetrics(t)

	for state, want := range map[CircuitState]float64{StateClosed: 0, StateOpen: 1, StateHalfOpen: 2} {
		mc.RecordCircuitBreakerState("api", state)
		assert.Equal(t, want, testutil.ToFloat64(mc.circuitBreakerState.WithLabelValues("api")))
	}
}

func TestMetricsRecordedByClient(t *testing.T) {
	mc, registry := newTestMetrics(t)
	transport := newScriptedTransport(http.StatusServiceUnavailable, http.StatusOK, http.StatusNotFound)
	client := New(
		WithTransport(transport),
		WithMetricsCollector(mc),
		WithRetry(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)
	ctx := context.Background()

	_, err := client.Get(ctx, "https://api.example.com/x")
	require.NoError(t, err)
	_, err = client.Get(ctx, "https://api.example.com/x")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200", "api.example.com/x")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "0", "api.example.com/x")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.retriesTotal.WithLabelValues("GET", "api.example.com/x", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.errorsTotal.WithLabelValues("Request", "GET", "api.example.com/x")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.requestsInFlight.WithLabelValues("GET", "api.example.com/x")))

	expected := `
# HELP fetchkit_retries_total Total number of pipeline re-runs granted by error hooks
# TYPE fetchkit_retries_total counter
fetchkit_retries_total{attempt="1",endpoint="api.example.com/x",method="GET"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "fetchkit_retries_total"))
}

func TestMetricsRecordedByPlugins(t *testing.T) {
	mc, _ := newTestMetrics(t)
	transport := newScriptedTransport(http.StatusOK)
	client := New(
		WithTransport(transport),
		WithMetricsCollector(mc),
		WithCache(CacheConfig{TTL: time.Minute, Name: "api"}),
		WithCircuitBreaker(CircuitBreakerConfig{Name: "api"}),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Get(ctx, "https://api.example.com/c")
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(mc.cacheHits.WithLabelValues("GET", "api.example.com/c")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheMisses.WithLabelValues("GET", "api.example.com/c")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheSize.WithLabelValues("api")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.circuitBreakerState.WithLabelValues("api")))
	assert.Equal(t, 1, testutil.CollectAndCount(mc.requestDuration))
	assert.Equal(t, 3.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200", "api.example.com/c")))
}

func TestRetryBudgetExceededIsCounted(t *testing.T) {
	mc, _ := newTestMetrics(t)
	transport := newScriptedTransport(http.StatusServiceUnavailable)
	client := New(
		WithTransport(transport),
		WithMetricsCollector(mc),
		WithRetry(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Budget: NewRetryBudget(1, time.Hour)}),
	)

	_, err := client.Get(context.Background(), "https://api.example.com/busy")
	require.Error(t, err)

	// One retry fits the budget, the second is denied.
	assert.Equal(t, 2, transport.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.retryBudgetExceeded.WithLabelValues("api.example.com")))
}
