package models

import (
	"errors"
	"fmt"
	"time"
)

// ProviderErrorCode is the normalized error code reported by providers.
type ProviderErrorCode string

const (
	ProviderAuthError       ProviderErrorCode = "AUTH_ERROR"
	ProviderRateLimit       ProviderErrorCode = "RATE_LIMIT"
	ProviderConnectionError ProviderErrorCode = "CONNECTION_ERROR"
	ProviderTimeout         ProviderErrorCode = "TIMEOUT"
	ProviderModelNotFound   ProviderErrorCode = "MODEL_NOT_FOUND"
	ProviderContextLength   ProviderErrorCode = "CONTEXT_LENGTH"
	ProviderContentFilter   ProviderErrorCode = "CONTENT_FILTER"
	ProviderValidationError ProviderErrorCode = "VALIDATION_ERROR"
	ProviderError           ProviderErrorCode = "PROVIDER_ERROR"
	ProviderUnknown         ProviderErrorCode = "UNKNOWN"
)

// ProviderFailure is a normalized provider error.
type ProviderFailure struct {
	Code       ProviderErrorCode
	Message    string
	Retryable  bool
	RetryAfter time.Duration // zero when the provider gave no hint
	StatusCode int
	Cause      error
}

func (e *ProviderFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderFailure) Unwrap() error {
	return e.Cause
}

// NewProviderFailure builds a normalized provider error. The retryable bit
// follows the code: rate limits, connection errors, timeouts and generic
// provider errors retry; everything else does not.
func NewProviderFailure(code ProviderErrorCode, message string, cause error) *ProviderFailure {
	retryable := false
	switch code {
	case ProviderRateLimit, ProviderConnectionError, ProviderTimeout, ProviderError:
		retryable = true
	}
	return &ProviderFailure{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// AsProviderFailure unwraps err into a *ProviderFailure if possible.
func AsProviderFailure(err error) (*ProviderFailure, bool) {
	var pf *ProviderFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// DiscussionErrorCode classifies discussion-level failures.
type DiscussionErrorCode string

const (
	ErrCodeInitializationFailed DiscussionErrorCode = "INITIALIZATION_FAILED"
	ErrCodeTurnFailed           DiscussionErrorCode = "TURN_FAILED"
	ErrCodeTurnTimeout          DiscussionErrorCode = "TURN_TIMEOUT"
	ErrCodeConsensusParseFailed DiscussionErrorCode = "CONSENSUS_PARSE_FAILED"
	ErrCodeStateInvalid         DiscussionErrorCode = "STATE_INVALID"
	ErrCodeDiscussionTimeout    DiscussionErrorCode = "DISCUSSION_TIMEOUT"
	ErrCodeUnknown              DiscussionErrorCode = "UNKNOWN"
)

// DiscussionError is the terminal error surfaced on the event stream.
type DiscussionError struct {
	Code        DiscussionErrorCode `json:"code"`
	Message     string              `json:"message"`
	Role        Role                `json:"role,omitempty"`
	RoundNumber int                 `json:"roundNumber,omitempty"`
	Recoverable bool                `json:"recoverable"`
	Cause       error               `json:"-"`
}

func (e *DiscussionError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("%s (role %s, round %d): %s", e.Code, e.Role, e.RoundNumber, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DiscussionError) Unwrap() error {
	return e.Cause
}

// NewDiscussionError wraps cause under a discussion error code.
func NewDiscussionError(code DiscussionErrorCode, message string, cause error) *DiscussionError {
	return &DiscussionError{
		Code:        code,
		Message:     message,
		Recoverable: code == ErrCodeConsensusParseFailed,
		Cause:       cause,
	}
}

// AsDiscussionError unwraps err into a *DiscussionError, mapping unknown
// errors to ErrCodeUnknown so the stream always carries a classified error.
func AsDiscussionError(err error) *DiscussionError {
	var de *DiscussionError
	if errors.As(err, &de) {
		return de
	}
	return NewDiscussionError(ErrCodeUnknown, err.Error(), err)
}

// TurnTimeoutError is raised when a single turn exceeds its deadline.
type TurnTimeoutError struct {
	Role    Role
	Round   int
	Timeout time.Duration
}

func (e *TurnTimeoutError) Error() string {
	return fmt.Sprintf("turn timed out after %s (role %s, round %d)", e.Timeout, e.Role, e.Round)
}

// ParseError reports a consensus response that could not be scored at all.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("consensus parse failed: %s", e.Reason)
}

// StateTransitionError reports an illegal state machine transition.
type StateTransitionError struct {
	From Phase
	To   Phase
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

// ErrDiscussionActive is returned when a start is attempted on a busy orchestrator.
var ErrDiscussionActive = errors.New("a discussion is already active on this orchestrator")

// ErrCancelled is the sentinel for caller-initiated aborts.
var ErrCancelled = errors.New("discussion cancelled")
