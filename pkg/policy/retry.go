package policy

import (
	"math"
	"time"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffFixed        BackoffStrategy = "fixed"
	BackoffExponential  BackoffStrategy = "exponential"
	BackoffLinear       BackoffStrategy = "linear"
	BackoffRandomJitter BackoffStrategy = "random_jitter"
)

// Random is the source of jitter. An execution context satisfies it so jitter
// stays reproducible for a seeded run.
type Random interface {
	Float64() float64
}

// RetryConfig describes retry attempts and their delays.
type RetryConfig struct {
	MaxRetries     int             `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseDelay      time.Duration   `json:"base_delay" yaml:"base_delay" validate:"gte=0"`
	MaxDelay       time.Duration   `json:"max_delay" yaml:"max_delay" validate:"gte=0"`
	Multiplier     float64         `json:"multiplier" yaml:"multiplier" validate:"gte=0"`
	Strategy       BackoffStrategy `json:"strategy" yaml:"strategy" validate:"omitempty,oneof=fixed exponential linear random_jitter"`
	JitterFraction float64         `json:"jitter_fraction" yaml:"jitter_fraction" validate:"gte=0,lte=1"` // Upper bound of jitter relative to the delay
}

// DefaultRetryConfig retries three times with exponential backoff from one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		Strategy:       BackoffExponential,
		JitterFraction: 0.1,
	}
}

// Delay returns the wait before the given retry. retry is 1 for the first retry.
func (c RetryConfig) Delay(retry int, rng Random) time.Duration {
	if retry < 1 {
		retry = 1
	}

	multiplier := c.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var delay float64

	base := float64(c.BaseDelay)

	switch c.Strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * float64(retry)
	case BackoffRandomJitter:
		delay = base * math.Pow(multiplier, float64(retry-1))

		fraction := c.JitterFraction
		if fraction <= 0 {
			fraction = 0.1
		}

		if rng != nil {
			delay += delay * fraction * rng.Float64()
		}
	case BackoffExponential, "":
		delay = base * math.Pow(multiplier, float64(retry-1))
	}

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}

	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}
