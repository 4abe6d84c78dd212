package fetchkit

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the file/environment form of a client setup. Plugins are built
// in a fixed order: logging, tracing, cache, dedupe, circuit breaker, rate
// limit, retry.
type Config struct {
	Timeout   time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	Log       LogConfig         `yaml:"log" env:"LOG"`
	Retry     RetrySettings     `yaml:"retry" env:"RETRY"`
	Cache     CacheSettings     `yaml:"cache" env:"CACHE"`
	Dedupe    DedupeSettings    `yaml:"dedupe" env:"DEDUPE"`
	RateLimit RateLimitSettings `yaml:"rate_limit" env:"RATE_LIMIT"`
	Breaker   BreakerSettings   `yaml:"breaker" env:"BREAKER"`
	Metrics   ToggleSettings    `yaml:"metrics" env:"METRICS"`
	Tracing   ToggleSettings    `yaml:"tracing" env:"TRACING"`
	Logging   ToggleSettings    `yaml:"logging" env:"LOGGING"`
}

// RetrySettings mirrors RetryConfig.
type RetrySettings struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Backoff           string        `yaml:"backoff" env:"BACKOFF"`
	Jitter            float64       `yaml:"jitter" env:"JITTER"`
	Methods           []string      `yaml:"methods" env:"METHODS"`
	StatusCodes       []int         `yaml:"status_codes" env:"-"`
	RespectRetryAfter bool          `yaml:"respect_retry_after" env:"RESPECT_RETRY_AFTER"`
}

// CacheSettings mirrors CacheConfig.
type CacheSettings struct {
	Enabled             bool          `yaml:"enabled" env:"ENABLED"`
	TTL                 time.Duration `yaml:"ttl" env:"TTL"`
	MaxEntries          int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	Methods             []string      `yaml:"methods" env:"METHODS"`
	Exclude             []string      `yaml:"exclude" env:"EXCLUDE"`
	ExcludePatterns     []string      `yaml:"exclude_patterns" env:"EXCLUDE_PATTERNS"`
	RespectCacheControl bool          `yaml:"respect_cache_control" env:"RESPECT_CACHE_CONTROL"`
	Redis               RedisSettings `yaml:"redis" env:"REDIS"`
}

// RedisSettings selects a RedisStore for the cache.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// DedupeSettings toggles the dedupe plugin.
type DedupeSettings struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// RateLimitSettings mirrors RateLimitConfig.
type RateLimitSettings struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Limit    int           `yaml:"limit" env:"LIMIT"`
	Window   time.Duration `yaml:"window" env:"WINDOW"`
	Queue    bool          `yaml:"queue" env:"QUEUE"`
	MaxQueue int           `yaml:"max_queue" env:"MAX_QUEUE"`
	// PerKey is "", "host", "route" or "host_route".
	PerKey string `yaml:"per_key" env:"PER_KEY"`
}

// BreakerSettings mirrors CircuitBreakerConfig.
type BreakerSettings struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// ToggleSettings switches an optional component on.
type ToggleSettings struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// DefaultConfig returns the configuration used when nothing is loaded.
func DefaultConfig() *Config {
	retry := DefaultRetryConfig()
	cache := DefaultCacheConfig()
	rl := DefaultRateLimitConfig()
	return &Config{
		Timeout: 30 * time.Second,
		Log:     LogConfig{Level: "info", Format: "json", OutputPaths: []string{"stdout"}},
		Retry: RetrySettings{
			Enabled:     true,
			MaxRetries:  retry.MaxRetries,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Backoff:     string(retry.Backoff),
			StatusCodes: retry.StatusCodes,
		},
		Cache: CacheSettings{
			TTL:        cache.TTL,
			MaxEntries: cache.MaxEntries,
			Redis:      RedisSettings{Addr: "localhost:6379", Prefix: "fetchkit:cache:"},
		},
		RateLimit: RateLimitSettings{Limit: rl.Limit, Window: rl.Window, Queue: rl.Queue},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		},
	}
}

// Loader reads a Config from defaults, then a YAML file, then environment
// variables named PREFIX_SECTION_FIELD.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FETCHKIT env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FETCHKIT"}
}

// WithConfigPath sets the YAML file; a missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	validators := append([]func(*Config) error{(*Config).Validate}, l.validators...)
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// LoadConfig loads path with environment overrides.
func LoadConfig(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []string

	if c.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if c.Retry.Enabled {
		if c.Retry.MaxRetries < 0 {
			errs = append(errs, "retry.max_retries must be non-negative")
		}
		if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
			errs = append(errs, "retry.jitter must be between 0 and 1")
		}
		switch BackoffMode(c.Retry.Backoff) {
		case "", BackoffExponential, BackoffLinear, BackoffDecorrelated:
		default:
			errs = append(errs, fmt.Sprintf("retry.backoff %q is not supported", c.Retry.Backoff))
		}
	}
	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			errs = append(errs, "cache.ttl must be positive")
		}
		for _, p := range c.Cache.ExcludePatterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Sprintf("cache.exclude_patterns: %v", err))
			}
		}
		if c.Cache.Redis.Enabled && c.Cache.Redis.Addr == "" {
			errs = append(errs, "cache.redis.addr is required")
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			errs = append(errs, "rate_limit.limit must be positive")
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, "rate_limit.window must be positive")
		}
		switch c.RateLimit.PerKey {
		case "", "host", "route", "host_route":
		default:
			errs = append(errs, fmt.Sprintf("rate_limit.per_key %q is not supported", c.RateLimit.PerKey))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Plugins builds the enabled plugins in pipeline order.
func (c *Config) Plugins(logger *zap.Logger) ([]Plugin, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var plugins []Plugin
	if c.Logging.Enabled {
		plugins = append(plugins, NewLoggingPlugin(nil))
	}
	if c.Tracing.Enabled {
		plugins = append(plugins, NewTracingPlugin(nil))
	}
	if c.Cache.Enabled {
		cache, err := c.cacheConfig(logger)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, NewCachePlugin(cache))
	}
	if c.Dedupe.Enabled {
		plugins = append(plugins, NewDedupePlugin(DedupeConfig{}))
	}
	if c.Breaker.Enabled {
		plugins = append(plugins, NewCircuitBreakerPlugin(CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTimeout:  c.Breaker.RecoveryTimeout,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		}))
	}
	if c.RateLimit.Enabled {
		rl := RateLimitConfig{
			Limit:    c.RateLimit.Limit,
			Window:   c.RateLimit.Window,
			Queue:    c.RateLimit.Queue,
			MaxQueue: c.RateLimit.MaxQueue,
		}
		switch c.RateLimit.PerKey {
		case "host":
			rl.KeyFunc = DefaultHostKeyFunc
		case "route":
			rl.KeyFunc = DefaultRouteKeyFunc
		case "host_route":
			rl.KeyFunc = DefaultHostRouteKeyFunc
		}
		plugins = append(plugins, NewRateLimitPlugin(rl))
	}
	if c.Retry.Enabled {
		plugins = append(plugins, NewRetryPlugin(RetryConfig{
			MaxRetries:        c.Retry.MaxRetries,
			BaseDelay:         c.Retry.BaseDelay,
			MaxDelay:          c.Retry.MaxDelay,
			Backoff:           BackoffMode(c.Retry.Backoff),
			Jitter:            c.Retry.Jitter,
			Methods:           c.Retry.Methods,
			StatusCodes:       c.Retry.StatusCodes,
			RespectRetryAfter: c.Retry.RespectRetryAfter,
		}))
	}
	return plugins, nil
}

func (c *Config) cacheConfig(logger *zap.Logger) (CacheConfig, error) {
	cfg := CacheConfig{
		TTL:                 c.Cache.TTL,
		MaxEntries:          c.Cache.MaxEntries,
		Methods:             c.Cache.Methods,
		Exclude:             c.Cache.Exclude,
		RespectCacheControl: c.Cache.RespectCacheControl,
	}
	for _, p := range c.Cache.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return cfg, fmt.Errorf("cache exclude pattern %q: %w", p, err)
		}
		cfg.ExcludePatterns = append(cfg.ExcludePatterns, re)
	}
	if c.Cache.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
		})
		store := NewRedisStore(client, RedisStoreConfig{
			Prefix:     c.Cache.Redis.Prefix,
			MaxEntries: c.Cache.MaxEntries,
			Logger:     logger,
		})
		store.ownsClient = true
		cfg.Store = store
	}
	return cfg, nil
}

// Options turns the configuration into client options, including the
// logger, timeout, metrics and plugins.
func (c *Config) Options() ([]Option, error) {
	logger := NewLogger(c.Log)
	plugins, err := c.Plugins(logger)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithTimeout(c.Timeout),
		WithPlugins(plugins...),
	}
	if c.Metrics.Enabled {
		opts = append(opts, WithMetrics())
	}
	return opts, nil
}
