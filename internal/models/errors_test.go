package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderFailureRetryableBit(t *testing.T) {
	retryable := []ProviderErrorCode{ProviderRateLimit, ProviderConnectionError, ProviderTimeout, ProviderError}
	for _, code := range retryable {
		assert.Truef(t, NewProviderFailure(code, "m", nil).Retryable, "%s should retry", code)
	}

	fatal := []ProviderErrorCode{ProviderAuthError, ProviderModelNotFound, ProviderContextLength, ProviderContentFilter, ProviderValidationError, ProviderUnknown}
	for _, code := range fatal {
		assert.Falsef(t, NewProviderFailure(code, "m", nil).Retryable, "%s should not retry", code)
	}
}

func TestProviderFailureWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	failure := NewProviderFailure(ProviderConnectionError, "request failed", cause)

	wrapped := fmt.Errorf("turn failed: %w", failure)

	got, ok := AsProviderFailure(wrapped)
	require.True(t, ok)
	assert.Equal(t, ProviderConnectionError, got.Code)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, failure.Error(), "CONNECTION_ERROR")
	assert.Contains(t, failure.Error(), "socket closed")
}

func TestDiscussionErrorRecoverableFlag(t *testing.T) {
	assert.True(t, NewDiscussionError(ErrCodeConsensusParseFailed, "m", nil).Recoverable)
	assert.False(t, NewDiscussionError(ErrCodeTurnFailed, "m", nil).Recoverable)
	assert.False(t, NewDiscussionError(ErrCodeInitializationFailed, "m", nil).Recoverable)
	assert.False(t, NewDiscussionError(ErrCodeDiscussionTimeout, "m", nil).Recoverable)
}

func TestAsDiscussionError(t *testing.T) {
	original := NewDiscussionError(ErrCodeTurnFailed, "provider died", nil)
	wrapped := fmt.Errorf("run failed: %w", original)
	assert.Equal(t, original, AsDiscussionError(wrapped))

	mapped := AsDiscussionError(errors.New("mystery"))
	assert.Equal(t, ErrCodeUnknown, mapped.Code)
	assert.Equal(t, "mystery", mapped.Message)
}

func TestErrorMessages(t *testing.T) {
	tte := &TurnTimeoutError{Role: RoleB, Round: 2, Timeout: 500 * time.Millisecond}
	assert.Contains(t, tte.Error(), "500ms")
	assert.Contains(t, tte.Error(), "role B")
	assert.Contains(t, tte.Error(), "round 2")

	ste := &StateTransitionError{From: PhaseIdle, To: PhaseCompleted}
	assert.Contains(t, ste.Error(), "idle")
	assert.Contains(t, ste.Error(), "completed")

	perr := &ParseError{Reason: "empty response"}
	assert.Contains(t, perr.Error(), "empty response")

	derr := &DiscussionError{Code: ErrCodeTurnTimeout, Message: "m", Role: RoleA, RoundNumber: 3}
	assert.Contains(t, derr.Error(), "role A")
	assert.Contains(t, derr.Error(), "round 3")
}
