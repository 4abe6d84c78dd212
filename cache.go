package fetchkit

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type cacheContextKey struct{}

// CacheConfig configures a CachePlugin.
type CacheConfig struct {
	TTL time.Duration
	// MaxEntries bounds the default MemoryStore; <= 0 means unbounded.
	MaxEntries int
	// Methods lists cacheable methods; nil means GET and HEAD.
	Methods []string
	// KeyFunc derives the cache key; nil uses DefaultCacheKeyFunc.
	KeyFunc func(*Request) string
	// Exclude skips URLs containing any of these substrings.
	Exclude []string
	// ExcludePatterns skips URLs matching any of these expressions.
	ExcludePatterns []*regexp.Regexp
	// Store replaces the default MemoryStore.
	Store CacheStore
	// RespectCacheControl skips no-store responses and caps TTL by max-age.
	RespectCacheControl bool
	// Name labels the cache in metrics; defaults to "default".
	Name string

	clock func() time.Time
}

// DefaultCacheConfig returns a 5 minute, 1000 entry in-memory cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 1000,
	}
}

// CacheStats summarizes cache activity.
type CacheStats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
}

// CachePlugin serves repeated requests from a CacheStore.
type CachePlugin struct {
	config CacheConfig
	store  CacheStore
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

var cacheKeySlot = NewKey[string]("cache.key")

// NewCachePlugin creates a cache plugin. A nil Store gets a MemoryStore.
func NewCachePlugin(config CacheConfig) *CachePlugin {
	if config.Methods == nil {
		config.Methods = []string{http.MethodGet, http.MethodHead}
	}
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultCacheKeyFunc
	}
	if config.Name == "" {
		config.Name = "default"
	}
	now := config.clock
	if now == nil {
		now = time.Now
	}

	store := config.Store
	if store == nil {
		mem := NewMemoryStore(config.MaxEntries)
		mem.now = now
		store = mem
	}

	return &CachePlugin{config: config, store: store, now: now}
}

// Name implements Plugin.
func (p *CachePlugin) Name() string { return "cache" }

// Validate implements Validator.
func (p *CachePlugin) Validate() error {
	if p.config.TTL <= 0 {
		return &ClientError{Type: ErrorTypeValidation, Message: "cache TTL must be positive"}
	}
	return nil
}

// Store returns the backing store.
func (p *CachePlugin) Store() CacheStore {
	return p.store
}

// OnRequest implements RequestHook.
func (p *CachePlugin) OnRequest(ctx context.Context, req *Request, call *Call) (Decision, error) {
	if !p.cacheable(req) {
		return Continue(req), nil
	}

	key := p.config.KeyFunc(req)
	endpoint := endpointOf(req)

	entry, ok, err := p.store.Get(ctx, key)
	if err != nil {
		call.Logger().Warn("cache lookup failed", zap.String("cache_key", key), zap.Error(err))
	}
	if ok {
		p.hits.Add(1)
		call.Metrics().RecordCacheHit(req.Method, endpoint)
		call.Logger().Debug("cache hit", zap.String("cache_key", key))
		return ShortCircuit(entry.Response(req)), nil
	}

	p.misses.Add(1)
	call.Metrics().RecordCacheMiss(req.Method, endpoint)
	call.Logger().Debug("cache miss", zap.String("cache_key", key))
	SetValue(call, cacheKeySlot, key)
	return Continue(req), nil
}

// OnResponse implements ResponseHook.
func (p *CachePlugin) OnResponse(ctx context.Context, resp *Response, call *Call) (*Response, error) {
	key, ok := GetValue(call, cacheKeySlot)
	if !ok {
		return resp, nil
	}
	DeleteValue(call, cacheKeySlot)

	now := p.now()
	ttl := p.ttlFor(call.Request())
	if p.config.RespectCacheControl {
		var storable bool
		if ttl, storable = storableTTL(resp.Header, ttl, now); !storable {
			call.Logger().Debug("response not storable", zap.String("cache_key", key))
			return resp, nil
		}
	}

	if err := p.store.Set(ctx, newCacheEntry(key, resp, now, ttl)); err != nil {
		call.Logger().Warn("cache store failed", zap.String("cache_key", key), zap.Error(err))
		return resp, nil
	}

	if size, err := p.store.Len(ctx); err == nil {
		call.Metrics().RecordCacheSize(p.config.Name, size)
	}
	call.Logger().Debug("response cached", zap.String("cache_key", key), zap.Duration("ttl", ttl))
	return resp, nil
}

func (p *CachePlugin) cacheable(req *Request) bool {
	full := req.FullURL()
	for _, s := range p.config.Exclude {
		if s != "" && strings.Contains(full, s) {
			return false
		}
	}
	for _, re := range p.config.ExcludePatterns {
		if re.MatchString(full) {
			return false
		}
	}

	if o := cacheOverrideFor(req); o != nil {
		return o.Enabled
	}
	return slices.Contains(p.config.Methods, req.Method)
}

func (p *CachePlugin) ttlFor(req *Request) time.Duration {
	if o := cacheOverrideFor(req); o != nil && o.TTL > 0 {
		return o.TTL
	}
	return p.config.TTL
}

// Clear removes every entry and resets counters.
func (p *CachePlugin) Clear(ctx context.Context) error {
	p.hits.Store(0)
	p.misses.Store(0)
	return p.store.Clear(ctx)
}

// Invalidate removes entries whose key contains substr and returns how many
// were removed.
func (p *CachePlugin) Invalidate(ctx context.Context, substr string) (int, error) {
	return p.invalidate(ctx, func(key string) bool { return strings.Contains(key, substr) })
}

// InvalidateRegexp removes entries whose key matches re.
func (p *CachePlugin) InvalidateRegexp(ctx context.Context, re *regexp.Regexp) (int, error) {
	return p.invalidate(ctx, re.MatchString)
}

func (p *CachePlugin) invalidate(ctx context.Context, match func(string) bool) (int, error) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := p.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stats returns hit and miss counters plus the current store size.
func (p *CachePlugin) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{Hits: p.hits.Load(), Misses: p.misses.Load()}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	size, err := p.store.Len(ctx)
	if err != nil {
		return stats, err
	}
	stats.Size = size
	return stats, nil
}

// Entry returns the unexpired entry for key without counting a hit.
func (p *CachePlugin) Entry(ctx context.Context, key string) (*CacheEntry, bool, error) {
	return p.store.Peek(ctx, key)
}

// Close closes the store when it implements io.Closer.
func (p *CachePlugin) Close() error {
	if c, ok := p.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// DefaultCacheKeyFunc keys by method and URL with the query sorted by name.
func DefaultCacheKeyFunc(req *Request) string {
	var buf []byte
	buf = append(buf, req.Method...)
	buf = append(buf, ':')
	buf = append(buf, req.FullURL()...)
	return string(buf)
}

func cacheOverrideFor(req *Request) *CacheOverride {
	if req.Options.Cache != nil {
		return req.Options.Cache
	}
	if o, ok := req.Context().Value(cacheContextKey{}).(*CacheOverride); ok {
		return o
	}
	return nil
}

// WithContextCacheEnabled forces caching for requests carrying ctx.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, &CacheOverride{Enabled: true})
}

// WithContextCacheDisabled bypasses the cache for requests carrying ctx.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, &CacheOverride{Enabled: false})
}

// WithContextCacheTTL forces caching with ttl for requests carrying ctx.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, &CacheOverride{Enabled: true, TTL: ttl})
}
