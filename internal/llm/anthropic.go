package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dev.helix.consensus/internal/models"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider speaks the Anthropic messages API over plain HTTP with
// SSE streaming. No vendor SDK is involved; the wire format is small enough
// to handle directly.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider creates a provider. An empty baseURL uses the public
// endpoint; tests point it at a local server.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			// Per-call deadlines come from the request context.
			Timeout: 0,
		},
	}
}

// Initialize verifies the provider is usable. A non-empty apiKey replaces the
// configured one.
func (p *AnthropicProvider) Initialize(_ context.Context, apiKey string) error {
	if apiKey != "" {
		p.apiKey = apiKey
	}
	if p.apiKey == "" {
		return models.NewProviderFailure(models.ProviderAuthError, "no API key configured", nil)
	}
	return nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamText runs one streamed generation against the messages API.
func (p *AnthropicProvider) StreamText(ctx context.Context, req *StreamRequest, handlers StreamHandlers) (*FinalResponse, error) {
	startTime := time.Now()

	body := anthropicRequest{
		Model:         req.ModelID,
		MaxTokens:     req.MaxOutputTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        true,
		System:        req.SystemPrompt,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = models.MaxTokensPerTurn
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: msg.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, models.NewProviderFailure(models.ProviderValidationError, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewProviderFailure(models.ProviderValidationError, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		failure := transportFailure(ctx, err)
		if handlers.OnError != nil {
			handlers.OnError(failure)
		}
		return nil, failure
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		failure := statusFailure(resp, string(raw))
		if handlers.OnError != nil {
			handlers.OnError(failure)
		}
		return nil, failure
	}

	if handlers.OnStart != nil {
		handlers.OnStart()
	}

	var (
		fullText     strings.Builder
		usage        models.TokenUsage
		finishReason = models.FinishStop
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				fullText.WriteString(event.Delta.Text)
				if handlers.OnChunk != nil {
					handlers.OnChunk(event.Delta.Text)
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = models.NormalizeFinishReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "error":
			message := "stream error"
			if event.Error != nil {
				message = event.Error.Message
			}
			failure := models.NewProviderFailure(models.ProviderError, message, nil)
			if handlers.OnError != nil {
				handlers.OnError(failure)
			}
			return nil, failure
		}
	}
	if err := scanner.Err(); err != nil {
		failure := transportFailure(ctx, err)
		if handlers.OnError != nil {
			handlers.OnError(failure)
		}
		return nil, failure
	}

	text := fullText.String()
	if handlers.OnComplete != nil {
		handlers.OnComplete(text)
	}

	return &FinalResponse{
		Text:         text,
		Usage:        usage,
		FinishReason: finishReason,
		Duration:     time.Since(startTime),
	}, nil
}

// transportFailure normalizes network-level errors.
func transportFailure(ctx context.Context, err error) *models.ProviderFailure {
	if ctx.Err() == context.DeadlineExceeded {
		return models.NewProviderFailure(models.ProviderTimeout, "request deadline exceeded", err)
	}
	if ctx.Err() == context.Canceled {
		return models.NewProviderFailure(models.ProviderTimeout, "request cancelled", err)
	}
	return models.NewProviderFailure(models.ProviderConnectionError, "request failed", err)
}

// statusFailure maps a non-200 response onto the normalized error codes.
func statusFailure(resp *http.Response, body string) *models.ProviderFailure {
	message := fmt.Sprintf("API error %d: %s", resp.StatusCode, strings.TrimSpace(body))

	var code models.ProviderErrorCode
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = models.ProviderAuthError
	case resp.StatusCode == http.StatusNotFound:
		code = models.ProviderModelNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		code = models.ProviderRateLimit
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "context length"):
		code = models.ProviderContextLength
	case resp.StatusCode == http.StatusBadRequest:
		code = models.ProviderValidationError
	case resp.StatusCode >= 500:
		code = models.ProviderError
	default:
		code = models.ProviderUnknown
	}

	failure := models.NewProviderFailure(code, message, nil)
	failure.StatusCode = resp.StatusCode

	if code == models.ProviderRateLimit {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil && seconds > 0 {
				failure.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	return failure
}
