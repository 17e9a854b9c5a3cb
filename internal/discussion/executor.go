package discussion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/models"
)

// ChunkCallback receives streamed token deltas as they arrive.
type ChunkCallback func(chunk string, role models.Role)

// TurnExecutor issues one streamed generation under a per-turn deadline and
// packages the result into an immutable Turn record.
type TurnExecutor struct {
	provider llm.ModelProvider
	limiter  *llm.RateLimiter
	retry    llm.RetryConfig
	logger   *logrus.Logger
}

// NewTurnExecutor wires an executor to a provider. The limiter may be nil.
func NewTurnExecutor(provider llm.ModelProvider, limiter *llm.RateLimiter, logger *logrus.Logger) *TurnExecutor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TurnExecutor{
		provider: provider,
		limiter:  limiter,
		retry:    llm.DefaultRetryConfig(),
		logger:   logger,
	}
}

// TurnRequest carries everything needed to run one turn.
type TurnRequest struct {
	Role         models.Role
	Participant  models.Participant
	RoundNumber  int
	SystemPrompt string
	Messages     []models.Message
	Options      models.DiscussionOptions
	OnChunk      ChunkCallback
}

// TurnResult is the outcome of Execute. Cancelled is set, without a Turn,
// when the parent context was cancelled mid-call.
type TurnResult struct {
	Turn      *models.Turn
	Cancelled bool
}

// Execute runs the streamed generation. Transient provider failures are
// retried; a per-turn deadline raises *models.TurnTimeoutError without
// retrying; parent cancellation returns a cancelled result.
func (e *TurnExecutor) Execute(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	startedAt := time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, req.Options.TurnTimeout)
	defer cancel()

	var content strings.Builder

	streamReq := &llm.StreamRequest{
		ModelID:         req.Participant.ModelID,
		Messages:        req.Messages,
		SystemPrompt:    req.SystemPrompt,
		Temperature:     req.Options.Temperature,
		MaxOutputTokens: req.Options.MaxTokensPerTurn,
	}

	final, err := llm.ExecuteWithRetry(turnCtx, e.retry, llm.RetryableProviderError, func() (*llm.FinalResponse, error) {
		if e.limiter != nil {
			if lerr := e.limiter.Acquire(); lerr != nil {
				var rl *llm.RateLimitExceeded
				if errors.As(lerr, &rl) {
					return nil, rl.AsProviderFailure()
				}
				return nil, lerr
			}
			defer e.limiter.Release()
		}

		// Each attempt restarts the accumulation.
		content.Reset()
		return e.provider.StreamText(turnCtx, streamReq, llm.StreamHandlers{
			OnChunk: func(text string) {
				content.WriteString(text)
				if req.OnChunk != nil {
					req.OnChunk(text, req.Role)
				}
			},
		})
	})

	if err != nil {
		// Parent cancellation wins over the local deadline.
		if ctx.Err() != nil {
			return &TurnResult{Cancelled: true}, nil
		}
		if turnCtx.Err() == context.DeadlineExceeded {
			return nil, &models.TurnTimeoutError{
				Role:    req.Role,
				Round:   req.RoundNumber,
				Timeout: req.Options.TurnTimeout,
			}
		}
		e.logger.WithFields(logrus.Fields{
			"role":  req.Role,
			"round": req.RoundNumber,
			"model": req.Participant.ModelID,
		}).WithError(err).Error("Turn execution failed")
		return nil, err
	}

	text := content.String()
	if text == "" {
		text = final.Text
	}

	turn := &models.Turn{
		ID:           fmt.Sprintf("turn_%d_%s_%d", req.RoundNumber, req.Role, startedAt.UnixMilli()),
		Role:         req.Role,
		RoundNumber:  req.RoundNumber,
		Content:      text,
		StartedAt:    startedAt,
		DurationMs:   time.Since(startedAt).Milliseconds(),
		TokenUsage:   final.Usage,
		FinishReason: final.FinishReason,
	}

	return &TurnResult{Turn: turn}, nil
}
