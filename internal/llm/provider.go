package llm

import (
	"context"
)

// ModelProvider defines the streaming text generation capability consumed by
// the discussion orchestrator. Implementations normalize their errors to
// *models.ProviderFailure so the retry policy can classify them.
type ModelProvider interface {
	// Initialize validates credentials and readiness. An empty apiKey means
	// the provider should use its ambient configuration.
	Initialize(ctx context.Context, apiKey string) error

	// StreamText issues a streamed generation. Chunks are delivered through
	// handlers in emission order; the returned FinalResponse is authoritative
	// for text, usage and finish reason. The call honors ctx cancellation.
	StreamText(ctx context.Context, req *StreamRequest, handlers StreamHandlers) (*FinalResponse, error)
}
