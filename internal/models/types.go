package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies one of the two discussion participants.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleA || r == RoleB
}

// Phase represents the orchestrator's position in the discussion lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseTurnA        Phase = "turn-A"
	PhaseTurnB        Phase = "turn-B"
	PhaseConsensusA   Phase = "consensus-A"
	PhaseConsensusB   Phase = "consensus-B"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
	PhaseAborted      Phase = "aborted"
)

// StoppingReason explains why a discussion terminated.
type StoppingReason string

const (
	StopConsensusReached StoppingReason = "consensus_reached"
	StopMaxIterations    StoppingReason = "max_iterations"
	StopUserAbort        StoppingReason = "user_abort"
	StopError            StoppingReason = "error"
	StopTimeout          StoppingReason = "timeout"
	StopModelUnavailable StoppingReason = "model_unavailable"
)

// Participant describes one side of the discussion. Immutable for the run.
type Participant struct {
	Role        Role   `json:"role"`
	ModelID     string `json:"modelId"`
	ProviderID  string `json:"providerId"`
	DisplayName string `json:"displayName"`
}

// Validation bounds for DiscussionOptions and the start request.
const (
	MinPromptLen               = 10
	MaxPromptLen               = 10000
	MinIterations              = 2
	MaxIterations              = 20
	MinTemperature             = 0.0
	MaxTemperature             = 2.0
	MinTokensPerTurn           = 256
	MaxTokensPerTurn           = 8192
	MinRoundsBeforeConsensusLo = 1
	MinRoundsBeforeConsensusHi = 5
)

// DiscussionOptions tunes a single discussion run. Timeouts are milliseconds
// on the wire.
type DiscussionOptions struct {
	MaxIterations            int           `yaml:"max_iterations"`
	Temperature              float64       `yaml:"temperature"`
	MaxTokensPerTurn         int           `yaml:"max_tokens_per_turn"`
	TurnTimeout              time.Duration `yaml:"turn_timeout"`
	TotalTimeout             time.Duration `yaml:"total_timeout"`
	RequireBothConsensus     bool          `yaml:"require_both_consensus"`
	MinRoundsBeforeConsensus int           `yaml:"min_rounds_before_consensus"`
}

// discussionOptionsJSON is the wire form of DiscussionOptions.
type discussionOptionsJSON struct {
	MaxIterations            int     `json:"maxIterations"`
	Temperature              float64 `json:"temperature"`
	MaxTokensPerTurn         int     `json:"maxTokensPerTurn"`
	TurnTimeoutMs            int64   `json:"turnTimeoutMs"`
	TotalTimeoutMs           int64   `json:"totalTimeoutMs"`
	RequireBothConsensus     bool    `json:"requireBothConsensus"`
	MinRoundsBeforeConsensus int     `json:"minRoundsBeforeConsensus"`
}

// MarshalJSON encodes timeouts as milliseconds.
func (o DiscussionOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(discussionOptionsJSON{
		MaxIterations:            o.MaxIterations,
		Temperature:              o.Temperature,
		MaxTokensPerTurn:         o.MaxTokensPerTurn,
		TurnTimeoutMs:            o.TurnTimeout.Milliseconds(),
		TotalTimeoutMs:           o.TotalTimeout.Milliseconds(),
		RequireBothConsensus:     o.RequireBothConsensus,
		MinRoundsBeforeConsensus: o.MinRoundsBeforeConsensus,
	})
}

// UnmarshalJSON decodes millisecond timeouts.
func (o *DiscussionOptions) UnmarshalJSON(data []byte) error {
	var wire discussionOptionsJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	o.MaxIterations = wire.MaxIterations
	o.Temperature = wire.Temperature
	o.MaxTokensPerTurn = wire.MaxTokensPerTurn
	o.TurnTimeout = time.Duration(wire.TurnTimeoutMs) * time.Millisecond
	o.TotalTimeout = time.Duration(wire.TotalTimeoutMs) * time.Millisecond
	o.RequireBothConsensus = wire.RequireBothConsensus
	o.MinRoundsBeforeConsensus = wire.MinRoundsBeforeConsensus
	return nil
}

// DefaultDiscussionOptions returns sensible defaults.
func DefaultDiscussionOptions() DiscussionOptions {
	return DiscussionOptions{
		MaxIterations:            5,
		Temperature:              0.7,
		MaxTokensPerTurn:         2048,
		TurnTimeout:              2 * time.Minute,
		TotalTimeout:             15 * time.Minute,
		RequireBothConsensus:     true,
		MinRoundsBeforeConsensus: 1,
	}
}

// Validate checks the option ranges.
func (o DiscussionOptions) Validate() error {
	if o.MaxIterations < MinIterations || o.MaxIterations > MaxIterations {
		return fmt.Errorf("maxIterations must be in [%d,%d], got %d", MinIterations, MaxIterations, o.MaxIterations)
	}
	if o.Temperature < MinTemperature || o.Temperature > MaxTemperature {
		return fmt.Errorf("temperature must be in [%g,%g], got %g", MinTemperature, MaxTemperature, o.Temperature)
	}
	if o.MaxTokensPerTurn < MinTokensPerTurn || o.MaxTokensPerTurn > MaxTokensPerTurn {
		return fmt.Errorf("maxTokensPerTurn must be in [%d,%d], got %d", MinTokensPerTurn, MaxTokensPerTurn, o.MaxTokensPerTurn)
	}
	if o.MinRoundsBeforeConsensus < MinRoundsBeforeConsensusLo || o.MinRoundsBeforeConsensus > MinRoundsBeforeConsensusHi {
		return fmt.Errorf("minRoundsBeforeConsensus must be in [%d,%d], got %d",
			MinRoundsBeforeConsensusLo, MinRoundsBeforeConsensusHi, o.MinRoundsBeforeConsensus)
	}
	if o.TurnTimeout <= 0 {
		return fmt.Errorf("turnTimeout must be positive")
	}
	if o.TotalTimeout <= 0 {
		return fmt.Errorf("totalTimeout must be positive")
	}
	return nil
}

// DiscussionConfig is the frozen input of one discussion run.
type DiscussionConfig struct {
	Prompt       string            `json:"prompt"`
	ParticipantA Participant       `json:"modelA"`
	ParticipantB Participant       `json:"modelB"`
	Options      DiscussionOptions `json:"options"`
}

// Validate checks the prompt and both participants.
func (c DiscussionConfig) Validate() error {
	prompt := strings.TrimSpace(c.Prompt)
	if len(prompt) < MinPromptLen {
		return fmt.Errorf("prompt must be at least %d characters, got %d", MinPromptLen, len(prompt))
	}
	if len(prompt) > MaxPromptLen {
		return fmt.Errorf("prompt must be at most %d characters, got %d", MaxPromptLen, len(prompt))
	}
	if c.ParticipantA.Role != RoleA {
		return fmt.Errorf("participant A must have role %q", RoleA)
	}
	if c.ParticipantB.Role != RoleB {
		return fmt.Errorf("participant B must have role %q", RoleB)
	}
	if c.ParticipantA.ModelID == "" || c.ParticipantB.ModelID == "" {
		return fmt.Errorf("both participants need a modelId")
	}
	if c.ParticipantA.ProviderID == "" || c.ParticipantB.ProviderID == "" {
		return fmt.Errorf("both participants need a providerId")
	}
	return c.Options.Validate()
}

// Participant returns the participant for the given role.
func (c DiscussionConfig) Participant(role Role) Participant {
	if role == RoleA {
		return c.ParticipantA
	}
	return c.ParticipantB
}

// FinishReason is the normalized reason a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishError         FinishReason = "error"
)

// NormalizeFinishReason maps provider-specific finish reasons onto the
// normalized set.
func NormalizeFinishReason(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stop", "end_turn", "stop_sequence", "complete", "":
		return FinishStop
	case "length", "max_tokens", "model_length":
		return FinishLength
	case "content_filter", "safety":
		return FinishContentFilter
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "error":
		return FinishError
	default:
		return FinishStop
	}
}

// TokenUsage carries prompt/completion token counts for one generation.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// TokenTotals tracks cumulative usage per side.
type TokenTotals struct {
	ModelA TokenUsage `json:"modelA"`
	ModelB TokenUsage `json:"modelB"`
}

// AddFor accumulates usage for the given role.
func (t *TokenTotals) AddFor(role Role, usage TokenUsage) {
	if role == RoleA {
		t.ModelA.Add(usage)
	} else {
		t.ModelB.Add(usage)
	}
}

// Total returns the combined usage of both sides.
func (t TokenTotals) Total() int {
	return t.ModelA.Total() + t.ModelB.Total()
}

// Turn is one completed model utterance. Created only by the turn executor.
type Turn struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	RoundNumber  int          `json:"roundNumber"`
	Content      string       `json:"content"`
	StartedAt    time.Time    `json:"startedAt"`
	DurationMs   int64        `json:"durationMs"`
	TokenUsage   TokenUsage   `json:"tokenUsage"`
	FinishReason FinishReason `json:"finishReason"`
}

// ConsensusVote is one side's structured evaluation of convergence.
type ConsensusVote struct {
	Role             Role      `json:"role"`
	HasConsensus     bool      `json:"hasConsensus"`
	Confidence       int       `json:"confidence"`
	Reasoning        string    `json:"reasoning"`
	ProposedSolution string    `json:"proposedSolution,omitempty"`
	VotedAt          time.Time `json:"votedAt"`
}

// ConsensusResult combines both votes for a round.
type ConsensusResult struct {
	RoundNumber   int           `json:"roundNumber"`
	VoteA         ConsensusVote `json:"voteA"`
	VoteB         ConsensusVote `json:"voteB"`
	IsUnanimous   bool          `json:"isUnanimous"`
	FinalSolution string        `json:"finalSolution,omitempty"`
}

// Round is one A-turn + B-turn + consensus cycle.
type Round struct {
	Number    int              `json:"number"`
	TurnA     *Turn            `json:"modelATurn"`
	TurnB     *Turn            `json:"modelBTurn"`
	Consensus *ConsensusResult `json:"consensusCheck,omitempty"`
}

// FinalConsensus records the agreed solution and both sides' last contributions.
type FinalConsensus struct {
	Solution           string `json:"solution"`
	AchievedAtRound    int    `json:"achievedAtRound"`
	ModelAContribution string `json:"modelAContribution"`
	ModelBContribution string `json:"modelBContribution"`
}

// Message is a single transcript entry as sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
