package backoff

import (
	"fmt"
	"time"
)

// Calculator binds a Strategy to fixed delay parameters.
type Calculator struct {
	strategy   Strategy
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     float64
}

// NewCalculator creates a calculator; multiplier is only used by Exponential.
func NewCalculator(strategy Strategy, baseDelay, maxDelay time.Duration, multiplier, jitter float64) *Calculator {
	return &Calculator{
		strategy:   strategy,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Delay returns the wait before the retry with 1-based number retry.
func (c *Calculator) Delay(retry int) time.Duration {
	return c.strategy.Calculate(retry-1, c.baseDelay, c.maxDelay, c.multiplier, c.jitter)
}

// ForName resolves "exponential", "linear" or "decorrelated".
func ForName(name string) (Strategy, error) {
	switch name {
	case "", "exponential":
		return Exponential{}, nil
	case "linear":
		return Linear{}, nil
	case "decorrelated":
		return Decorrelated{}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
