package discussion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/models"
)

const (
	// MaxConsensusRetries bounds re-asks after an unparseable vote reply.
	MaxConsensusRetries = 2

	// Vote requests run cold and short regardless of discussion options.
	voteTemperature = 0.3
	voteMaxTokens   = 1024

	skippedVoteReasoning = "Minimum rounds not yet completed"

	// FallbackSolutionText stands in when unanimity is reached but neither
	// side produced usable solution text.
	FallbackSolutionText = "Consensus reached but solution text not extracted."
)

// VoteCallback fires as soon as each side's vote is available, including
// synthesized and fabricated votes.
type VoteCallback func(vote models.ConsensusVote)

// ConsensusSide binds a participant to its provider and limiter.
type ConsensusSide struct {
	Participant models.Participant
	Provider    llm.ModelProvider
	Limiter     *llm.RateLimiter
}

// ConsensusDetector coordinates both sides' votes for a round and applies
// the unanimity policy.
type ConsensusDetector struct {
	sideA  ConsensusSide
	sideB  ConsensusSide
	retry  llm.RetryConfig
	logger *logrus.Logger
}

// NewConsensusDetector builds a detector for the two discussion sides.
func NewConsensusDetector(sideA, sideB ConsensusSide, logger *logrus.Logger) *ConsensusDetector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConsensusDetector{
		sideA:  sideA,
		sideB:  sideB,
		retry:  llm.DefaultRetryConfig(),
		logger: logger,
	}
}

// Check runs the consensus phase for a round. Below the minimum-round gate it
// synthesizes two skipped votes without touching a provider. Votes are
// requested sequentially (A first) so neither side sees the other's vote.
func (d *ConsensusDetector) Check(
	ctx context.Context,
	config models.DiscussionConfig,
	roundNumber int,
	history []models.Message,
	onVote VoteCallback,
) (*models.ConsensusResult, error) {
	if roundNumber < config.Options.MinRoundsBeforeConsensus {
		voteA := skippedVote(models.RoleA)
		voteB := skippedVote(models.RoleB)
		if onVote != nil {
			onVote(voteA)
			onVote(voteB)
		}
		return &models.ConsensusResult{
			RoundNumber: roundNumber,
			VoteA:       voteA,
			VoteB:       voteB,
			IsUnanimous: false,
		}, nil
	}

	voteA, err := d.requestVote(ctx, d.sideA, config, history)
	if err != nil {
		return nil, err
	}
	if onVote != nil {
		onVote(voteA)
	}

	voteB, err := d.requestVote(ctx, d.sideB, config, history)
	if err != nil {
		return nil, err
	}
	if onVote != nil {
		onVote(voteB)
	}

	result := &models.ConsensusResult{
		RoundNumber: roundNumber,
		VoteA:       voteA,
		VoteB:       voteB,
	}
	if config.Options.RequireBothConsensus {
		result.IsUnanimous = voteA.HasConsensus && voteB.HasConsensus
	} else {
		result.IsUnanimous = voteA.HasConsensus || voteB.HasConsensus
	}
	if result.IsUnanimous {
		result.FinalSolution = selectFinalSolution(voteA, voteB)
	}

	return result, nil
}

// requestVote asks one side for its vote, re-asking with a reformat
// instruction on parse failure. Exhausting the retries fabricates a "no"
// vote rather than failing the round.
func (d *ConsensusDetector) requestVote(
	ctx context.Context,
	side ConsensusSide,
	config models.DiscussionConfig,
	history []models.Message,
) (models.ConsensusVote, error) {
	systemPrompt, messages := BuildConsensusMessages(config, history)

	var lastErr error
	for attempt := 0; attempt <= MaxConsensusRetries; attempt++ {
		if ctx.Err() != nil {
			return models.ConsensusVote{}, ctx.Err()
		}

		response, err := d.callProvider(ctx, side, systemPrompt, messages)
		if err != nil {
			if ctx.Err() != nil {
				return models.ConsensusVote{}, ctx.Err()
			}
			lastErr = err
		} else {
			vote, perr := ParseConsensusResponse(side.Participant.Role, response)
			if perr == nil {
				return vote, nil
			}
			lastErr = perr
		}

		d.logger.WithFields(logrus.Fields{
			"role":    side.Participant.Role,
			"attempt": attempt + 1,
		}).WithError(lastErr).Warn("Consensus vote attempt failed")

		messages = append(messages, models.Message{Role: "user", Content: ReformatInstruction})
	}

	return models.ConsensusVote{
		Role:         side.Participant.Role,
		HasConsensus: false,
		Confidence:   0,
		Reasoning:    fmt.Sprintf("Failed to obtain valid consensus response: %v", lastErr),
		VotedAt:      time.Now(),
	}, nil
}

// callProvider issues one vote request under the transient-failure retry
// policy.
func (d *ConsensusDetector) callProvider(
	ctx context.Context,
	side ConsensusSide,
	systemPrompt string,
	messages []models.Message,
) (string, error) {
	req := &llm.StreamRequest{
		ModelID:         side.Participant.ModelID,
		Messages:        messages,
		SystemPrompt:    systemPrompt,
		Temperature:     voteTemperature,
		MaxOutputTokens: voteMaxTokens,
	}

	final, err := llm.ExecuteWithRetry(ctx, d.retry, llm.RetryableProviderError, func() (*llm.FinalResponse, error) {
		if side.Limiter != nil {
			if lerr := side.Limiter.Acquire(); lerr != nil {
				var rl *llm.RateLimitExceeded
				if errors.As(lerr, &rl) {
					return nil, rl.AsProviderFailure()
				}
				return nil, lerr
			}
			defer side.Limiter.Release()
		}
		return side.Provider.StreamText(ctx, req, llm.StreamHandlers{})
	})
	if err != nil {
		return "", err
	}
	return final.Text, nil
}

func skippedVote(role models.Role) models.ConsensusVote {
	return models.ConsensusVote{
		Role:         role,
		HasConsensus: false,
		Confidence:   0,
		Reasoning:    skippedVoteReasoning,
		VotedAt:      time.Now(),
	}
}

// selectFinalSolution picks the agreed solution text. Both proposed: higher
// confidence wins, ties go to A. One proposed: that one. Neither: the
// fallback placeholder.
func selectFinalSolution(voteA, voteB models.ConsensusVote) string {
	switch {
	case voteA.ProposedSolution != "" && voteB.ProposedSolution != "":
		if voteB.Confidence > voteA.Confidence {
			return voteB.ProposedSolution
		}
		return voteA.ProposedSolution
	case voteA.ProposedSolution != "":
		return voteA.ProposedSolution
	case voteB.ProposedSolution != "":
		return voteB.ProposedSolution
	default:
		return FallbackSolutionText
	}
}
