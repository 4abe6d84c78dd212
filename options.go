package fetchkit

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// Validator is implemented by plugins that can check their own configuration.
type Validator interface {
	Validate() error
}

// WithTransport sets the Transport used for each attempt
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithHTTPClient sends requests with a custom net/http client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.transport = NewHTTPTransport(client)
	}
}

// WithTimeout sets the default per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPlugins appends plugins in the given order. Hooks run in registration order.
func WithPlugins(plugins ...Plugin) Option {
	return func(c *Client) {
		c.plugins = append(c.plugins, plugins...)
	}
}

// WithRetry appends a RetryPlugin built from config
func WithRetry(config RetryConfig) Option {
	return WithPlugins(NewRetryPlugin(config))
}

// WithCache appends a CachePlugin built from config
func WithCache(config CacheConfig) Option {
	return WithPlugins(NewCachePlugin(config))
}

// WithDeduplication appends a DedupePlugin built from config
func WithDeduplication(config DedupeConfig) Option {
	return WithPlugins(NewDedupePlugin(config))
}

// WithRateLimit appends a RateLimitPlugin built from config
func WithRateLimit(config RateLimitConfig) Option {
	return WithPlugins(NewRateLimitPlugin(config))
}

// WithCircuitBreaker appends a CircuitBreakerPlugin built from config
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return WithPlugins(NewCircuitBreakerPlugin(config))
}

// WithLogging appends a LoggingPlugin writing to logger
func WithLogging(logger *zap.Logger) Option {
	return WithPlugins(NewLoggingPlugin(logger))
}

// WithTracing appends a TracingPlugin; a nil provider uses the global one
func WithTracing(tp trace.TracerProvider) Option {
	return WithPlugins(NewTracingPlugin(tp))
}

// WithLogger sets the client logger; plugins reach it through Call.Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics collection on the default
// registerer. Clients using it share one collector.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = defaultMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithRequestIDGenerator sets a custom function for generating call IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.requestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateCoreConfig()...)
	errors = append(errors, c.validatePlugins()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateCoreConfig() []string {
	var errors []string

	if c.transport == nil {
		errors = append(errors, "transport cannot be nil")
	}
	if c.logger == nil {
		errors = append(errors, "logger cannot be nil")
	}
	if c.requestIDGen == nil {
		errors = append(errors, "request ID generator cannot be nil")
	}
	if c.timeout < 0 {
		errors = append(errors, "timeout must be non-negative")
	}

	return errors
}

// configWarnings lists settings that are allowed but likely mistakes.
func (c *Client) configWarnings() []string {
	var warnings []string

	if c.timeout > 10*time.Minute {
		warnings = append(warnings, "timeout > 10m may cause requests to hang for too long")
	}

	return warnings
}

func (c *Client) validatePlugins() []string {
	var errors []string

	for i, p := range c.plugins {
		if p == nil {
			errors = append(errors, fmt.Sprintf("plugin[%d] cannot be nil", i))
			continue
		}
		if v, ok := p.(Validator); ok {
			if err := v.Validate(); err != nil {
				errors = append(errors, fmt.Sprintf("plugin %q: %v", p.Name(), err))
			}
		}
	}

	return errors
}
