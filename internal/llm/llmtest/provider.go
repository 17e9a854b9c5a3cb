// Package llmtest provides a scripted ModelProvider for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/models"
)

// Step scripts one StreamText call.
type Step struct {
	// Chunks streamed in order. When empty, Text is sent as a single chunk.
	Chunks []string
	// Text is the full response. Derived from Chunks when empty.
	Text string
	// ChunkDelay is the pause before each chunk.
	ChunkDelay time.Duration
	// Stall delays the first chunk, simulating a slow provider.
	Stall time.Duration
	// Err fails the call instead of streaming.
	Err error
	// Usage reported on the final response.
	Usage models.TokenUsage
	// FinishReason defaults to "stop".
	FinishReason models.FinishReason
}

// ScriptedProvider replays a fixed script of responses. When the script is
// exhausted the last step repeats, so open-ended round loops stay scripted.
type ScriptedProvider struct {
	mu       sync.Mutex
	script   []Step
	index    int
	requests []*llm.StreamRequest

	// InitErr makes Initialize fail.
	InitErr error
}

// NewScriptedProvider builds a provider that replays steps in order.
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{script: steps}
}

// Append adds steps to the script.
func (p *ScriptedProvider) Append(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

// Requests returns a copy of every request seen so far.
func (p *ScriptedProvider) Requests() []*llm.StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.StreamRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns the number of StreamText calls so far.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Initialize implements llm.ModelProvider.
func (p *ScriptedProvider) Initialize(ctx context.Context, apiKey string) error {
	return p.InitErr
}

// StreamText implements llm.ModelProvider by replaying the next step.
func (p *ScriptedProvider) StreamText(ctx context.Context, req *llm.StreamRequest, handlers llm.StreamHandlers) (*llm.FinalResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var step Step
	if len(p.script) == 0 {
		step = Step{Text: "ok"}
	} else if p.index < len(p.script) {
		step = p.script[p.index]
		p.index++
	} else {
		step = p.script[len(p.script)-1]
	}
	p.mu.Unlock()

	start := time.Now()

	if step.Err != nil {
		if handlers.OnError != nil {
			handlers.OnError(step.Err)
		}
		return nil, step.Err
	}

	if handlers.OnStart != nil {
		handlers.OnStart()
	}

	if step.Stall > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Stall):
		}
	}

	chunks := step.Chunks
	if len(chunks) == 0 && step.Text != "" {
		chunks = []string{step.Text}
	}

	var sb strings.Builder
	for _, chunk := range chunks {
		if step.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step.ChunkDelay):
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		sb.WriteString(chunk)
		if handlers.OnChunk != nil {
			handlers.OnChunk(chunk)
		}
	}

	fullText := step.Text
	if fullText == "" {
		fullText = sb.String()
	}
	if handlers.OnComplete != nil {
		handlers.OnComplete(fullText)
	}

	finish := step.FinishReason
	if finish == "" {
		finish = models.FinishStop
	}
	usage := step.Usage
	if usage.Total() == 0 {
		usage = models.TokenUsage{PromptTokens: 32, CompletionTokens: len(fullText) / 4}
	}

	return &llm.FinalResponse{
		Text:         fullText,
		Usage:        usage,
		FinishReason: finish,
		Duration:     time.Since(start),
	}, nil
}

var _ llm.ModelProvider = (*ScriptedProvider)(nil)
