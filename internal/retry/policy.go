package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines backoff pacing for redeliveries
type Policy struct {
	// InitialDelay is the delay before the first redelivery
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between redeliveries
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential backoff factor (e.g. 2.0)
	BackoffMultiplier float64
}

// DefaultPolicy returns the default redelivery backoff policy
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay calculates the redelivery delay for a given attempt (1-based).
// Uses exponential backoff with jitter to prevent thundering herd.
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		delay = float64(p.MaxDelay)
	}

	// ±25% jitter
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}
