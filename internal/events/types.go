package events

import (
	"encoding/json"
	"fmt"
	"time"

	"dev.helix.consensus/internal/models"
)

// EventType names a discussion event. The values double as the SSE event
// names on the wire.
type EventType string

const (
	EventDiscussionStarted     EventType = "discussion-started"
	EventRoundStarted          EventType = "round-started"
	EventTurnStarted           EventType = "turn-started"
	EventTurnChunk             EventType = "turn-chunk"
	EventTurnCompleted         EventType = "turn-completed"
	EventConsensusCheckStarted EventType = "consensus-check-started"
	EventConsensusVote         EventType = "consensus-vote"
	EventConsensusResult       EventType = "consensus-result"
	EventRoundCompleted        EventType = "round-completed"
	EventDiscussionCompleted   EventType = "discussion-completed"
	EventDiscussionError       EventType = "discussion-error"
	EventDiscussionAborted     EventType = "discussion-aborted"
)

// Terminal reports whether the event type ends the stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventDiscussionCompleted, EventDiscussionError, EventDiscussionAborted:
		return true
	}
	return false
}

// Event is one entry on the discussion event stream. Data holds the typed
// payload for the event type; DiscussionID and Timestamp are merged into the
// encoded payload.
type Event struct {
	Type         EventType
	DiscussionID string
	Timestamp    time.Time
	Data         any
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, discussionID string, data any) *Event {
	return &Event{
		Type:         eventType,
		DiscussionID: discussionID,
		Timestamp:    time.Now(),
		Data:         data,
	}
}

// MarshalPayload encodes the payload with discussionId and timestamp merged in.
func (e *Event) MarshalPayload() ([]byte, error) {
	merged := map[string]any{
		"discussionId": e.DiscussionID,
		"timestamp":    e.Timestamp.UnixMilli(),
	}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", e.Type, err)
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ConfigSnapshot is the secret-free config echoed on discussion-started.
type ConfigSnapshot struct {
	Prompt  string                   `json:"prompt"`
	ModelA  models.Participant       `json:"modelA"`
	ModelB  models.Participant       `json:"modelB"`
	Options models.DiscussionOptions `json:"options"`
}

// DiscussionStartedData announces a new run.
type DiscussionStartedData struct {
	Config ConfigSnapshot `json:"config"`
}

// RoundStartedData opens a round.
type RoundStartedData struct {
	RoundNumber int `json:"roundNumber"`
}

// TurnStartedData announces a streamed generation.
type TurnStartedData struct {
	Role        models.Role `json:"role"`
	ModelID     string      `json:"modelId"`
	ProviderID  string      `json:"providerId"`
	RoundNumber int         `json:"roundNumber"`
}

// TurnChunkData carries one token delta.
type TurnChunkData struct {
	Role  models.Role `json:"role"`
	Chunk string      `json:"chunk"`
}

// TurnCompletedData carries the authoritative turn record.
type TurnCompletedData struct {
	Turn models.Turn `json:"turn"`
}

// ConsensusCheckStartedData opens the vote phase of a round.
type ConsensusCheckStartedData struct {
	RoundNumber int `json:"roundNumber"`
}

// ConsensusVoteData carries one side's vote.
type ConsensusVoteData struct {
	Vote models.ConsensusVote `json:"vote"`
}

// ConsensusResultData carries the combined round result.
type ConsensusResultData struct {
	Result models.ConsensusResult `json:"result"`
}

// RoundCompletedData closes a round.
type RoundCompletedData struct {
	Round models.Round `json:"round"`
}

// DiscussionCompletedData is the success terminal event.
type DiscussionCompletedData struct {
	StoppingReason  models.StoppingReason  `json:"stoppingReason"`
	FinalConsensus  *models.FinalConsensus `json:"finalConsensus,omitempty"`
	TotalTokensUsed models.TokenTotals     `json:"totalTokensUsed"`
	DurationMs      int64                  `json:"durationMs"`
}

// DiscussionErrorData is the failure terminal event.
type DiscussionErrorData struct {
	Error *models.DiscussionError `json:"error"`
}

// DiscussionAbortedData is the abort terminal event.
type DiscussionAbortedData struct {
	Reason string `json:"reason"`
}
