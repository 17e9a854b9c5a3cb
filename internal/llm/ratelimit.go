package llm

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dev.helix.consensus/internal/models"
)

// RateLimitExceeded is returned by a non-blocking Acquire when no token is
// available. It carries the wait until the next token as a retry hint.
type RateLimitExceeded struct {
	ProviderID string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %q, retry after %s", e.ProviderID, e.RetryAfter)
}

// AsProviderFailure converts the limiter error into the normalized taxonomy.
func (e *RateLimitExceeded) AsProviderFailure() *models.ProviderFailure {
	return &models.ProviderFailure{
		Code:       models.ProviderRateLimit,
		Message:    e.Error(),
		Retryable:  true,
		RetryAfter: e.RetryAfter,
	}
}

// RateLimiter is a per-provider token bucket. Acquire is non-blocking;
// every successful Acquire must be paired with a Release.
type RateLimiter struct {
	providerID string
	limiter    *rate.Limiter

	mu       sync.Mutex
	inFlight int
	maxConc  int
}

// NewRateLimiter builds a limiter allowing rps requests per second with the
// given burst, and at most maxConcurrent calls in flight (0 = unlimited).
func NewRateLimiter(providerID string, rps float64, burst, maxConcurrent int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		providerID: providerID,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxConc:    maxConcurrent,
	}
}

// Acquire takes a token or fails immediately with *RateLimitExceeded.
func (rl *RateLimiter) Acquire() error {
	rl.mu.Lock()
	if rl.maxConc > 0 && rl.inFlight >= rl.maxConc {
		rl.mu.Unlock()
		return &RateLimitExceeded{ProviderID: rl.providerID, RetryAfter: time.Second}
	}
	rl.mu.Unlock()

	if !rl.limiter.Allow() {
		res := rl.limiter.Reserve()
		wait := res.Delay()
		res.Cancel()
		if wait <= 0 {
			wait = time.Second
		}
		return &RateLimitExceeded{ProviderID: rl.providerID, RetryAfter: wait}
	}

	rl.mu.Lock()
	rl.inFlight++
	rl.mu.Unlock()
	return nil
}

// Release returns a concurrency slot. Safe to call from a deferred path.
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	if rl.inFlight > 0 {
		rl.inFlight--
	}
	rl.mu.Unlock()
}

// InFlight returns the number of calls currently holding a slot.
func (rl *RateLimiter) InFlight() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.inFlight
}
