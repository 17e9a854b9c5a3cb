package discussion

import (
	"dev.helix.consensus/internal/models"
)

// Transcript owns the ordered rounds of a discussion and the derived message
// history shown to the models. Both are append-only: entries are never
// rewritten once added. The transcript is touched only from the
// orchestrator's goroutine, so it needs no locking.
type Transcript struct {
	rounds  []models.Round
	history []models.Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// BeginRound appends a new round shell with the given number.
func (t *Transcript) BeginRound(number int) {
	t.rounds = append(t.rounds, models.Round{Number: number})
}

// AppendTurn records a completed turn in the current round and extends the
// message history with the role-tagged assistant message.
func (t *Transcript) AppendTurn(turn *models.Turn) {
	current := &t.rounds[len(t.rounds)-1]
	if turn.Role == models.RoleA {
		current.TurnA = turn
	} else {
		current.TurnB = turn
	}
	t.history = append(t.history, models.Message{
		Role:    "assistant",
		Content: TagTurnContent(turn.Role, turn.Content),
	})
}

// SetConsensus records the consensus result of the current round.
func (t *Transcript) SetConsensus(result *models.ConsensusResult) {
	t.rounds[len(t.rounds)-1].Consensus = result
}

// CurrentRound returns the latest round, or nil before the first BeginRound.
func (t *Transcript) CurrentRound() *models.Round {
	if len(t.rounds) == 0 {
		return nil
	}
	return &t.rounds[len(t.rounds)-1]
}

// Rounds returns a copy of the recorded rounds.
func (t *Transcript) Rounds() []models.Round {
	out := make([]models.Round, len(t.rounds))
	copy(out, t.rounds)
	return out
}

// History returns a copy of the derived message history.
func (t *Transcript) History() []models.Message {
	out := make([]models.Message, len(t.history))
	copy(out, t.history)
	return out
}

// HistoryLen returns the number of history entries, which equals the number
// of appended turns.
func (t *Transcript) HistoryLen() int {
	return len(t.history)
}

// RoundCount returns the number of started rounds.
func (t *Transcript) RoundCount() int {
	return len(t.rounds)
}
