// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxDuration caps results when no explicit ceiling is configured.
const maxDuration = time.Duration(math.MaxInt64)

// Strategy computes the delay before retry number attempt+1. attempt is
// zero-based; maxDelay <= 0 means uncapped; jitter is clamped to [0, 1].
type Strategy interface {
	Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration
}

// Exponential yields base * multiplier^attempt.
type Exponential struct{}

// Calculate implements Strategy.
func (Exponential) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(baseDelay) * math.Pow(multiplier, float64(attempt))
	return finish(delay, maxDelay, jitter)
}

// Linear yields base * (attempt + 1).
type Linear struct{}

// Calculate implements Strategy.
func (Linear) Calculate(attempt int, baseDelay, maxDelay time.Duration, _ float64, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(baseDelay) * float64(attempt+1)
	return finish(delay, maxDelay, jitter)
}

// Decorrelated draws uniformly from [base, base * 3^attempt]; the first
// retry always waits exactly base.
type Decorrelated struct{}

// Calculate implements Strategy.
func (Decorrelated) Calculate(attempt int, baseDelay, maxDelay time.Duration, _ float64, _ float64) time.Duration {
	if attempt <= 0 {
		return capDelay(float64(baseDelay), maxDelay)
	}
	if attempt > 10 {
		attempt = 10
	}
	base := float64(baseDelay)
	upper := base * math.Pow(3, float64(attempt))
	if maxDelay > 0 && upper > float64(maxDelay) {
		upper = float64(maxDelay)
	}
	if upper < base {
		upper = base
	}
	return capDelay(base+rand.Float64()*(upper-base), maxDelay)
}

func finish(delay float64, maxDelay time.Duration, jitter float64) time.Duration {
	d := capDelay(delay, maxDelay)
	jitter = clampJitter(jitter)
	if jitter > 0 {
		d = capDelay(float64(d)+float64(d)*jitter*rand.Float64(), maxDelay)
	}
	return d
}

func capDelay(delay float64, maxDelay time.Duration) time.Duration {
	if delay < 0 || delay >= float64(maxDuration) {
		if maxDelay > 0 {
			return maxDelay
		}
		return maxDuration
	}
	d := time.Duration(delay)
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
