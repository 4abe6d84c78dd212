// Package fetchkit runs outbound HTTP calls through an ordered pipeline of
// stateful plugins:
//
//   - Retries with exponential, linear or decorrelated backoff
//   - Sliding-window rate limiting with a FIFO wait queue, per key
//   - Response caching with TTL and LRU eviction, in memory or in Redis
//   - Request de-duplication (concurrent identical calls share one outcome)
//   - Circuit breaking, zap logging and OpenTelemetry tracing
//   - Prometheus metrics
//
// A plugin implements any of OnRequest, OnResponse, OnError and OnSettle.
// Request hooks may continue, short-circuit with a response, or await an
// outcome produced by another call; error hooks may recover, retry the whole
// pipeline or propagate. Hooks run in registration order and share a *Call
// that lives for one logical call, retries included.
//
// Typical usage:
//
//	client := fetchkit.New(
//	    fetchkit.WithCache(fetchkit.DefaultCacheConfig()),
//	    fetchkit.WithDeduplication(fetchkit.DedupeConfig{}),
//	    fetchkit.WithRateLimit(fetchkit.DefaultRateLimitConfig()),
//	    fetchkit.WithRetry(fetchkit.DefaultRetryConfig()),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Every error returned by Client.Do is a *ClientError; match categories with
// errors.Is against ErrTimeout, ErrAborted, ErrRateLimited or ErrCircuitOpen.
package fetchkit
