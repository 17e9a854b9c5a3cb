package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"dev.helix.consensus/internal/models"
)

// RetryConfig defines retry behavior for provider calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64
	// JitterFactor adds randomness to delays (0.0-1.0, applied upward only)
	JitterFactor float64
}

// DefaultRetryConfig returns the retry policy used for turn and vote calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}
}

// RetryPredicate decides whether an error warrants another attempt.
type RetryPredicate func(err error) bool

// RetryableProviderError is the default predicate: retry only errors a
// provider flagged retryable (network errors, 5xx, 429).
func RetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	if pf, ok := models.AsProviderFailure(err); ok {
		return pf.Retryable
	}
	return false
}

// ExecuteWithRetry runs fn with exponential backoff. A RetryAfter hint on a
// provider failure overrides the computed delay, clamped to MaxDelay.
// Context cancellation aborts both the attempt gate and the backoff sleep.
func ExecuteWithRetry[T any](ctx context.Context, config RetryConfig, shouldRetry RetryPredicate, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("cancelled before attempt %d: %w", attempt+1, ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt >= config.MaxRetries {
			return zero, lastErr
		}

		wait := addJitter(delay, config.JitterFactor)
		if pf, ok := models.AsProviderFailure(err); ok && pf.RetryAfter > 0 {
			wait = pf.RetryAfter
		}
		if wait > config.MaxDelay {
			wait = config.MaxDelay
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// addJitter extends a duration by a random fraction of itself.
// Note: math/rand is acceptable here - jitter doesn't require cryptographic randomness.
func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	jitter := rand.Float64() * factor * float64(d) // #nosec G404
	return time.Duration(float64(d) + jitter)
}

// CalculateBackoff returns the pre-jitter backoff for a given attempt.
func CalculateBackoff(attempt int, config RetryConfig) time.Duration {
	if attempt <= 0 {
		return config.InitialDelay
	}
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
