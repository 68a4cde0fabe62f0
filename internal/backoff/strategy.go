package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the wait before the retry that follows a failed attempt.
// Attempts are numbered from 1; the delay for attempt n is the wait between
// attempt n and attempt n+1.
type Strategy interface {
	Calculate(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration
}

// ExponentialStrategy doubles the delay after every failed attempt:
// base * 2^(attempt-1).
type ExponentialStrategy struct{}

// Calculate implements Strategy.
func (ExponentialStrategy) Calculate(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^30 * base already overflows any sane maxDelay.
	if attempt > 31 {
		attempt = 31
	}

	delay := base * time.Duration(Pow(2, attempt-1))
	if delay < 0 {
		delay = maxDelay
	}
	return capDelay(applyJitter(delay, jitter), maxDelay)
}

// ConstantStrategy waits base between every attempt.
type ConstantStrategy struct{}

// Calculate implements Strategy.
func (ConstantStrategy) Calculate(_ int, base, maxDelay time.Duration, jitter float64) time.Duration {
	return capDelay(applyJitter(base, jitter), maxDelay)
}

// applyJitter adds up to jitter*delay of uniform random noise.
func applyJitter(delay time.Duration, jitter float64) time.Duration {
	jitter = clampJitter(jitter)
	if jitter == 0 {
		return delay
	}
	return delay + time.Duration(float64(delay)*jitter*rand.Float64())
}

// capDelay bounds delay by maxDelay; a zero maxDelay means uncapped.
func capDelay(delay, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && (delay > maxDelay || delay < 0) {
		return maxDelay
	}
	return delay
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

// Pow calculates base^exponent using integer exponentiation.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
