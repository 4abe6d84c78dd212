package fetchkit

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	internalbackoff "github.com/ambiyansyah-risyal/fetchkit/internal/backoff"
)

// BackoffMode selects how retry delays grow.
type BackoffMode string

const (
	BackoffExponential  BackoffMode = "exponential"
	BackoffLinear       BackoffMode = "linear"
	BackoffDecorrelated BackoffMode = "decorrelated"
)

// RetryConfig configures a RetryPlugin.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps each delay; zero means uncapped.
	MaxDelay time.Duration
	Backoff  BackoffMode
	// Jitter adds up to Jitter*delay of random delay, in [0, 1].
	Jitter float64
	// Methods lists retryable methods; nil uses DefaultIsIdempotent.
	Methods []string
	// StatusCodes lists retryable statuses.
	StatusCodes []int
	// ShouldRetry replaces the status/type eligibility check when set.
	ShouldRetry func(err *ClientError, call *Call) bool
	// RespectRetryAfter waits for the server's Retry-After on 429 and 503.
	RespectRetryAfter bool
	// Budget bounds retries across all calls of the client.
	Budget *RetryBudget
	// OnRetry runs synchronously before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns 3 exponential retries starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Backoff:     BackoffExponential,
		StatusCodes: DefaultRetryStatusCodes(),
	}
}

// DefaultRetryStatusCodes returns 408, 429, 500, 502, 503 and 504.
func DefaultRetryStatusCodes() []int {
	return []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

// RetryPlugin re-runs failed calls with growing delays.
type RetryPlugin struct {
	config  RetryConfig
	backoff *internalbackoff.Calculator
}

// NewRetryPlugin creates a retry plugin. A zero StatusCodes uses the defaults.
func NewRetryPlugin(config RetryConfig) *RetryPlugin {
	if config.StatusCodes == nil {
		config.StatusCodes = DefaultRetryStatusCodes()
	}
	strategy, err := internalbackoff.ForName(string(config.Backoff))
	if err != nil {
		// Validate reports the unknown mode.
		strategy = internalbackoff.Exponential{}
	}
	return &RetryPlugin{
		config:  config,
		backoff: internalbackoff.NewCalculator(strategy, config.BaseDelay, config.MaxDelay, 2, config.Jitter),
	}
}

// Name implements Plugin.
func (p *RetryPlugin) Name() string { return "retry" }

// Validate implements Validator.
func (p *RetryPlugin) Validate() error {
	var problems []string
	if p.config.MaxRetries < 0 {
		problems = append(problems, "MaxRetries must be non-negative")
	}
	if p.config.MaxRetries > 100 {
		problems = append(problems, "MaxRetries > 100 may cause excessive resource usage")
	}
	if p.config.BaseDelay < 0 {
		problems = append(problems, "BaseDelay must be non-negative")
	}
	if p.config.MaxDelay > 0 && p.config.MaxDelay < p.config.BaseDelay {
		problems = append(problems, "MaxDelay must be greater than or equal to BaseDelay")
	}
	if p.config.Jitter < 0 || p.config.Jitter > 1 {
		problems = append(problems, "Jitter must be between 0 and 1")
	}
	if _, err := internalbackoff.ForName(string(p.config.Backoff)); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Delay returns the backoff before the given 1-based retry, ignoring Retry-After.
func (p *RetryPlugin) Delay(retry int) time.Duration {
	return p.backoff.Delay(retry)
}

// OnError implements ErrorHook.
func (p *RetryPlugin) OnError(ctx context.Context, err *ClientError, call *Call) Verdict {
	if ctx.Err() != nil || err.Type == ErrorTypeAbort {
		return Propagate(err)
	}

	req := call.Request()
	maxRetries := p.config.MaxRetries
	if o := req.Options.Retry; o != nil {
		if o.Disabled {
			return Propagate(err)
		}
		if o.MaxRetries > 0 {
			maxRetries = o.MaxRetries
		}
	}
	if call.RetryAttempt >= maxRetries {
		return Propagate(err)
	}
	if !p.methodRetryable(req.Method) {
		return Propagate(err)
	}
	if !p.eligible(err, call) {
		return Propagate(err)
	}
	if p.config.Budget != nil && !p.config.Budget.Allow() {
		call.Metrics().RecordRetryBudgetExceeded(endpointOf(req))
		call.Logger().Warn("retry budget exceeded")
		return Propagate(err)
	}

	delay := p.Delay(call.RetryAttempt + 1)
	if p.config.RespectRetryAfter && (err.StatusCode == http.StatusTooManyRequests || err.StatusCode == http.StatusServiceUnavailable) {
		if ra := parseRetryAfter(err.Header.Get("Retry-After")); ra > 0 {
			delay = ra
		}
	}

	if p.config.OnRetry != nil {
		p.config.OnRetry(call.RetryAttempt, err, delay)
	}

	call.Logger().Info("scheduling retry",
		zap.Int("retry_attempt", call.RetryAttempt+1),
		zap.Int("max_retries", maxRetries),
		zap.Duration("backoff", delay),
		zap.String("error_type", string(err.Type)))

	if werr := sleepContext(ctx, delay); werr != nil {
		return Propagate(errorFromContext(ctx, err, req, call))
	}

	call.RetryAttempt++
	return Retry()
}

func (p *RetryPlugin) methodRetryable(method string) bool {
	if p.config.Methods == nil {
		return DefaultIsIdempotent(method)
	}
	return slices.Contains(p.config.Methods, method)
}

func (p *RetryPlugin) eligible(err *ClientError, call *Call) bool {
	if p.config.ShouldRetry != nil {
		return p.config.ShouldRetry(err, call)
	}
	switch err.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeRequest, ErrorTypeServer:
		return slices.Contains(p.config.StatusCodes, err.StatusCode)
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget caps the number of retries granted per time window.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}

	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns current retry budget statistics.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
