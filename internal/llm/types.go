package llm

import (
	"time"

	"dev.helix.consensus/internal/models"
)

// StreamRequest describes a single streamed generation.
type StreamRequest struct {
	ModelID         string
	Messages        []models.Message
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
	StopSequences   []string
}

// StreamHandlers receives streaming callbacks. All callbacks are optional
// except OnChunk which carries the payload. OnComplete runs exactly once
// after the last OnChunk; OnError excludes OnComplete.
type StreamHandlers struct {
	OnStart    func()
	OnChunk    func(text string)
	OnComplete func(fullText string)
	OnError    func(err error)
}

// FinalResponse is the terminal result of a streamed generation.
type FinalResponse struct {
	Text         string
	Usage        models.TokenUsage
	FinishReason models.FinishReason
	Duration     time.Duration
}
