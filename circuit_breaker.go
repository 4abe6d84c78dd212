package fetchkit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// Name labels the breaker in metrics; defaults to "default".
	Name string
}

// CircuitBreaker fails fast after repeated failures and probes for recovery.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      CircuitBreakerConfig
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Name == "" {
		config.Name = "default"
	}

	return &CircuitBreaker{config: config, now: time.Now}
}

// Allow checks if the request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.failures++
		cb.state = StateOpen
		cb.successes = 0
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerPlugin guards the Transport with a CircuitBreaker.
type CircuitBreakerPlugin struct {
	breaker *CircuitBreaker
}

// NewCircuitBreakerPlugin creates a breaker plugin.
func NewCircuitBreakerPlugin(config CircuitBreakerConfig) *CircuitBreakerPlugin {
	return &CircuitBreakerPlugin{breaker: NewCircuitBreaker(config)}
}

// Name implements Plugin.
func (p *CircuitBreakerPlugin) Name() string { return "circuitbreaker" }

// Breaker returns the underlying breaker.
func (p *CircuitBreakerPlugin) Breaker() *CircuitBreaker { return p.breaker }

// Validate implements Validator.
func (p *CircuitBreakerPlugin) Validate() error {
	c := p.breaker.config
	if c.FailureThreshold < 0 || c.SuccessThreshold < 0 || c.RecoveryTimeout < 0 {
		return &ClientError{Type: ErrorTypeValidation, Message: "circuit breaker thresholds and timeout must be non-negative"}
	}
	return nil
}

// OnRequest implements RequestHook.
func (p *CircuitBreakerPlugin) OnRequest(_ context.Context, req *Request, call *Call) (Decision, error) {
	if !p.breaker.Allow() {
		call.Logger().Warn("circuit breaker open", zap.String("breaker", p.breaker.config.Name))
		return Decision{}, newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, req, call)
	}
	return Continue(req), nil
}

// OnResponse implements ResponseHook.
func (p *CircuitBreakerPlugin) OnResponse(_ context.Context, resp *Response, call *Call) (*Response, error) {
	p.breaker.RecordSuccess()
	call.Metrics().RecordCircuitBreakerState(p.breaker.config.Name, p.breaker.State())
	return resp, nil
}

// OnError implements ErrorHook.
func (p *CircuitBreakerPlugin) OnError(_ context.Context, err *ClientError, call *Call) Verdict {
	switch err.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer:
		p.breaker.RecordFailure()
		call.Metrics().RecordCircuitBreakerState(p.breaker.config.Name, p.breaker.State())
		call.Logger().Debug("circuit breaker failure recorded",
			zap.String("breaker", p.breaker.config.Name),
			zap.Stringer("state", p.breaker.State()))
	}
	return Propagate(err)
}
