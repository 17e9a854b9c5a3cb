package discussion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dev.helix.consensus/internal/models"
)

// Markers of the structured consensus reply contract.
const (
	MarkerConsensusCheck   = "[CONSENSUS_CHECK]"
	MarkerConfidence       = "[CONFIDENCE]"
	MarkerReasoning        = "[REASONING]"
	MarkerProposedSolution = "[PROPOSED_SOLUTION]"

	// NoSolutionPlaceholder is what models write when nothing is agreed yet.
	NoSolutionPlaceholder = "No consensus yet."

	// minSolutionLen filters out throwaway solution fragments.
	minSolutionLen = 10
)

const roleASystemPrompt = `You are Model A in a structured discussion between two AI models working toward an agreed solution.

Your job is to solve the problem directly. Analyze it, propose a concrete approach, and defend it with reasoning. Your counterpart, Model B, will evaluate your analysis critically, so anticipate objections.

The problem under discussion:
%s

Write a focused analysis of 200-400 words. Be specific and committed to a position; vague hedging wastes the round.`

const roleBSystemPrompt = `You are Model B in a structured discussion between two AI models working toward an agreed solution.

Your job is to critically evaluate Model A's analysis. Probe its weaknesses, test its assumptions, and either refine the proposal or argue for a better one. Convergence matters: concede points that hold up and push only on the ones that do not.

The problem under discussion:
%s

Write a focused evaluation of 200-400 words. Be specific; restating Model A's points without judgment wastes the round.`

const consensusSystemPrompt = `You are evaluating whether a discussion between two AI models has converged on a solid solution to the stated problem.

The problem under discussion:
%s

Read the exchange and decide whether the two sides now agree on a concrete solution. Reply in EXACTLY this format:

[CONSENSUS_CHECK]
HAS_CONSENSUS: <YES|NO>
[CONFIDENCE]
<integer 0..100>
[REASONING]
<free text>
[PROPOSED_SOLUTION]
<the agreed solution, or literally "No consensus yet.">`

const initialTurnInstruction = "Begin the discussion. Give your opening analysis of the problem."

const followUpTurnInstruction = "This is round %d. Respond to the exchange so far and move the discussion toward an agreed solution."

const consensusCheckInstruction = "Evaluate the discussion above. Has it produced a solid, agreed solution? Reply in the exact structured format."

// ReformatInstruction is appended when a vote reply could not be parsed.
const ReformatInstruction = "Please provide your response in the exact structured format requested, starting with [CONSENSUS_CHECK]."

// BuildTurnMessages produces the system prompt and message list for one turn.
// The history carries both sides' tagged utterances; the trailing user message
// is the initial instruction on round one and the follow-up otherwise.
func BuildTurnMessages(role models.Role, config models.DiscussionConfig, roundNumber int, history []models.Message) (string, []models.Message) {
	var systemPrompt string
	if role == models.RoleA {
		systemPrompt = fmt.Sprintf(roleASystemPrompt, config.Prompt)
	} else {
		systemPrompt = fmt.Sprintf(roleBSystemPrompt, config.Prompt)
	}

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, history...)

	instruction := initialTurnInstruction
	if len(history) > 0 {
		instruction = fmt.Sprintf(followUpTurnInstruction, roundNumber)
	}
	messages = append(messages, models.Message{Role: "user", Content: instruction})

	return systemPrompt, messages
}

// BuildConsensusMessages produces the system prompt and message list for one
// consensus vote request.
func BuildConsensusMessages(config models.DiscussionConfig, history []models.Message) (string, []models.Message) {
	systemPrompt := fmt.Sprintf(consensusSystemPrompt, config.Prompt)

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, models.Message{Role: "user", Content: consensusCheckInstruction})

	return systemPrompt, messages
}

// TagTurnContent prefixes a turn's content with its origin so both sides read
// the transcript as a single dialogue.
func TagTurnContent(role models.Role, content string) string {
	return fmt.Sprintf("[Model %s] %s", role, content)
}

var (
	hasConsensusRe = regexp.MustCompile(`(?i)HAS_CONSENSUS:\s*(YES|NO)`)
	confidenceRe   = regexp.MustCompile(`\[CONFIDENCE\]\s*(-?\d+)`)

	solutionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)the solution is:?\s*(.{20,})`),
		regexp.MustCompile(`(?i)we agree(?:d)? (?:on|that):?\s*(.{20,})`),
		regexp.MustCompile(`(?i)our final answer is:?\s*(.{20,})`),
		regexp.MustCompile(`(?i)our agreed solution(?: is)?:?\s*(.{20,})`),
	}

	positivePhrases = []string{
		"we have reached consensus",
		"i agree with",
		"we agree that",
		"i concur",
		"the solution is",
		"consensus has been reached",
		"our agreed solution",
	}

	negativePhrases = []string{
		"i disagree",
		"we have not reached",
		"no consensus",
		"further discussion needed",
		"still need to discuss",
		"i think differently",
	}
)

// ParseConsensusResponse extracts a vote from a model reply. Structured
// replies are preferred; anything without the markers falls through to
// natural-language inference. Only input that defeats even the fallback
// scoring yields a *models.ParseError.
func ParseConsensusResponse(role models.Role, response string) (models.ConsensusVote, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return models.ConsensusVote{}, &models.ParseError{Reason: "empty response"}
	}

	if !strings.Contains(trimmed, MarkerConsensusCheck) {
		return inferConsensusFromText(role, trimmed)
	}

	match := hasConsensusRe.FindStringSubmatch(trimmed)
	if match == nil {
		return inferConsensusFromText(role, trimmed)
	}
	hasConsensus := strings.EqualFold(match[1], "YES")

	confidence := 50
	if m := confidenceRe.FindStringSubmatch(trimmed); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			confidence = clampInt(v, 0, 100)
		}
	}

	reasoning := sectionBetween(trimmed, MarkerReasoning, MarkerProposedSolution)

	vote := models.ConsensusVote{
		Role:         role,
		HasConsensus: hasConsensus,
		Confidence:   confidence,
		Reasoning:    reasoning,
		VotedAt:      time.Now(),
	}

	if hasConsensus {
		solution := sectionAfter(trimmed, MarkerProposedSolution)
		if usableSolution(solution) {
			vote.ProposedSolution = solution
		}
	}

	return vote, nil
}

// inferConsensusFromText scores free-form replies against fixed phrase sets.
// A reply that hits neither phrase set carries no signal at all and is
// reported as a parse failure so the caller can re-ask.
func inferConsensusFromText(role models.Role, response string) (models.ConsensusVote, error) {
	lowered := strings.ToLower(response)

	positives := 0
	for _, phrase := range positivePhrases {
		if strings.Contains(lowered, phrase) {
			positives++
		}
	}
	negatives := 0
	for _, phrase := range negativePhrases {
		if strings.Contains(lowered, phrase) {
			negatives++
		}
	}

	if positives == 0 && negatives == 0 {
		return models.ConsensusVote{}, &models.ParseError{Reason: "no consensus markers or sentiment phrases found"}
	}

	hasConsensus := positives > negatives && positives > 0
	confidence := clampInt(50+10*(positives-negatives), 30, 70)

	vote := models.ConsensusVote{
		Role:         role,
		HasConsensus: hasConsensus,
		Confidence:   confidence,
		Reasoning:    "Inferred from natural language response",
		VotedAt:      time.Now(),
	}

	if hasConsensus {
		for _, pattern := range solutionPatterns {
			if m := pattern.FindStringSubmatch(response); m != nil {
				candidate := strings.TrimSpace(m[1])
				if usableSolution(candidate) {
					vote.ProposedSolution = candidate
					break
				}
			}
		}
	}

	return vote, nil
}

// BuildConsensusReply renders a vote back into the structured contract.
// Parsing the result reproduces the vote, which the tests rely on.
func BuildConsensusReply(vote models.ConsensusVote) string {
	answer := "NO"
	if vote.HasConsensus {
		answer = "YES"
	}
	solution := vote.ProposedSolution
	if solution == "" {
		solution = NoSolutionPlaceholder
	}
	return fmt.Sprintf("%s\nHAS_CONSENSUS: %s\n%s\n%d\n%s\n%s\n%s\n%s",
		MarkerConsensusCheck, answer,
		MarkerConfidence, vote.Confidence,
		MarkerReasoning, vote.Reasoning,
		MarkerProposedSolution, solution)
}

func usableSolution(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < minSolutionLen {
		return false
	}
	return !strings.Contains(strings.ToLower(s), "no consensus")
}

func sectionBetween(text, start, end string) string {
	i := strings.Index(text, start)
	if i < 0 {
		return ""
	}
	rest := text[i+len(start):]
	if j := strings.Index(rest, end); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func sectionAfter(text, marker string) string {
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i+len(marker):])
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
