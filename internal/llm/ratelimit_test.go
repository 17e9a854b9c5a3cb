package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.consensus/internal/models"
)

func TestRateLimiterAcquireRelease(t *testing.T) {
	limiter := NewRateLimiter("test", 100, 10, 2)

	require.NoError(t, limiter.Acquire())
	require.NoError(t, limiter.Acquire())
	assert.Equal(t, 2, limiter.InFlight())

	limiter.Release()
	limiter.Release()
	assert.Zero(t, limiter.InFlight())

	// Extra releases never go negative.
	limiter.Release()
	assert.Zero(t, limiter.InFlight())
}

func TestRateLimiterConcurrencyCap(t *testing.T) {
	limiter := NewRateLimiter("test", 100, 10, 1)

	require.NoError(t, limiter.Acquire())

	err := limiter.Acquire()
	var exceeded *RateLimitExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "test", exceeded.ProviderID)
	assert.Positive(t, exceeded.RetryAfter)

	limiter.Release()
	require.NoError(t, limiter.Acquire())
}

func TestRateLimiterTokenExhaustion(t *testing.T) {
	// One token per minute with burst 1: the second acquire must fail fast.
	limiter := NewRateLimiter("test", 1.0/60.0, 1, 0)

	require.NoError(t, limiter.Acquire())

	err := limiter.Acquire()
	var exceeded *RateLimitExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Positive(t, exceeded.RetryAfter)
}

func TestRateLimitExceededAsProviderFailure(t *testing.T) {
	exceeded := &RateLimitExceeded{ProviderID: "p", RetryAfter: 2 * time.Second}

	failure := exceeded.AsProviderFailure()
	assert.Equal(t, models.ProviderRateLimit, failure.Code)
	assert.True(t, failure.Retryable)
	assert.Equal(t, 2*time.Second, failure.RetryAfter)
	assert.Contains(t, failure.Message, "p")
}

func TestRegistryRegisterGet(t *testing.T) {
	registry := NewRegistry()

	provider := NewAnthropicProvider("key", "")
	limiter := NewRateLimiter("anthropic", 1, 1, 1)
	registry.Register("anthropic", provider, limiter)

	got, err := registry.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, provider, got)
	assert.Equal(t, limiter, registry.Limiter("anthropic"))
	assert.Equal(t, []string{"anthropic"}, registry.List())

	_, err = registry.Get("missing")
	require.Error(t, err)
	assert.Nil(t, registry.Limiter("missing"))
}

func TestRegistryUnregisterAndReset(t *testing.T) {
	registry := NewRegistry()
	registry.Register("a", NewAnthropicProvider("k", ""), nil)
	registry.Register("b", NewAnthropicProvider("k", ""), nil)

	registry.Unregister("a")
	_, err := registry.Get("a")
	require.Error(t, err)
	_, err = registry.Get("b")
	require.NoError(t, err)

	registry.Reset()
	assert.Empty(t, registry.List())
}

func TestGlobalRegistryIsSingleton(t *testing.T) {
	first := GlobalRegistry()
	second := GlobalRegistry()
	assert.Same(t, first, second)
}
