package fetchkit

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig configures a RateLimitPlugin.
type RateLimitConfig struct {
	// Limit is the ceiling of admitted weight per Window.
	Limit  int
	Window time.Duration
	// Queue makes callers wait for a slot instead of failing.
	Queue bool
	// MaxQueue bounds waiting callers per key; <= 0 means unbounded.
	MaxQueue int
	// KeyFunc partitions calls into independent windows; nil shares one.
	KeyFunc func(*Request) string
	// WeightFunc returns the cost of a call; nil costs 1.
	WeightFunc func(*Request) int
}

// DefaultRateLimitConfig returns a queueing limiter of 10 calls per second.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  10,
		Window: time.Second,
		Queue:  true,
	}
}

// RateLimitPlugin throttles calls through sliding windows, one per key.
type RateLimitPlugin struct {
	config  RateLimitConfig
	mu      sync.Mutex
	windows map[string]*SlidingWindow
	metrics *MetricsCollector
}

// NewRateLimitPlugin creates a rate limiting plugin.
func NewRateLimitPlugin(config RateLimitConfig) *RateLimitPlugin {
	return &RateLimitPlugin{
		config:  config,
		windows: make(map[string]*SlidingWindow),
	}
}

// Name implements Plugin.
func (p *RateLimitPlugin) Name() string { return "ratelimit" }

// Validate implements Validator.
func (p *RateLimitPlugin) Validate() error {
	var errs []error
	if p.config.Limit <= 0 {
		errs = append(errs, errors.New("Limit must be positive"))
	}
	if p.config.Window <= 0 {
		errs = append(errs, errors.New("Window must be positive"))
	}
	if p.config.Window > 0 && p.config.Window < time.Millisecond {
		errs = append(errs, errors.New("Window < 1ms may cause excessive CPU usage"))
	}
	return errors.Join(errs...)
}

// OnRequest implements RequestHook.
func (p *RateLimitPlugin) OnRequest(ctx context.Context, req *Request, call *Call) (Decision, error) {
	key := p.keyFor(req)
	window := p.window(key, call.Metrics())

	weight := 1
	if p.config.WeightFunc != nil {
		weight = p.config.WeightFunc(req)
	}

	if window.TryAcquire(weight) {
		return Continue(req), nil
	}

	start := time.Now()
	if err := window.Acquire(ctx, weight); err != nil {
		if errors.Is(err, ErrRateLimited) {
			call.Metrics().RecordRateLimitRejection(key)
			call.Logger().Warn("rate limit exceeded", zap.String("limiter_key", key))
			return Decision{}, newClientError(ErrorTypeRateLimit, "rate limit exceeded", err, req, call)
		}
		return Decision{}, err
	}

	if waited := time.Since(start); waited > time.Millisecond {
		call.Metrics().RecordRateLimitWait(key, waited)
		call.Logger().Debug("rate limit slot acquired", zap.String("limiter_key", key), zap.Duration("waited", waited))
	}
	return Continue(req), nil
}

// Stats returns usage of the window for key; "" selects the shared window.
func (p *RateLimitPlugin) Stats(key string) RateLimitStats {
	if key == "" {
		key = "default"
	}
	p.mu.Lock()
	w, ok := p.windows[key]
	p.mu.Unlock()
	if !ok {
		return RateLimitStats{Remaining: p.config.Limit}
	}
	return w.Stats()
}

// Keys returns the keys that have a window.
func (p *RateLimitPlugin) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.windows))
	for k := range p.windows {
		keys = append(keys, k)
	}
	return keys
}

// Reset clears every window's history, releasing queued callers that fit.
func (p *RateLimitPlugin) Reset() {
	p.mu.Lock()
	windows := make([]*SlidingWindow, 0, len(p.windows))
	for _, w := range p.windows {
		windows = append(windows, w)
	}
	p.mu.Unlock()

	for _, w := range windows {
		w.Reset()
	}
}

// Close stops all wake-up timers.
func (p *RateLimitPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.windows {
		w.Stop()
	}
	return nil
}

func (p *RateLimitPlugin) keyFor(req *Request) string {
	if p.config.KeyFunc == nil {
		return "default"
	}
	if key := p.config.KeyFunc(req); key != "" {
		return key
	}
	return "default"
}

func (p *RateLimitPlugin) window(key string, metrics *MetricsCollector) *SlidingWindow {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.windows[key]; ok {
		return w
	}
	w := NewSlidingWindow(p.config.Limit, p.config.Window, p.config.Queue, p.config.MaxQueue)
	if metrics != nil {
		w.onQueue = func(depth int) { metrics.RecordRateLimitQueueDepth(key, depth) }
	}
	p.windows[key] = w
	return w
}

// DefaultHostKeyFunc generates a key based on the request host.
func DefaultHostKeyFunc(req *Request) string {
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		return "host:" + u.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc generates a key based on the request method and path.
func DefaultRouteKeyFunc(req *Request) string {
	path := ""
	if u, err := url.Parse(req.URL); err == nil {
		path = u.Path
	}
	return "route:" + req.Method + ":" + path
}

// DefaultHostRouteKeyFunc generates a key combining host and route.
func DefaultHostRouteKeyFunc(req *Request) string {
	host, path := "unknown", ""
	if u, err := url.Parse(req.URL); err == nil {
		if u.Host != "" {
			host = u.Host
		}
		path = u.Path
	}
	return "host_route:" + host + ":" + req.Method + ":" + path
}
