package core

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds the exponential backoff curve.
type RetryConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig matches the worker's shipped defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
	}
}

// RetryDelay computes the backoff before retry number attempt (0-based):
// min(base * multiplier^attempt, max), with uniform jitter of ±10% applied
// afterward, rounded to whole milliseconds. Pass a nil rng to use the
// package source.
func RetryDelay(attempt int, cfg RetryConfig, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Uniform jitter in [-10%, +10%] to avoid synchronized retry storms.
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	jittered := delay * (0.9 + 0.2*u)

	ms := math.Round(jittered / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
