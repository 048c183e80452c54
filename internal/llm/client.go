// Package llm exposes a provider-neutral chat+tool contract over the
// Anthropic, OpenAI, and Google providers kept in internal/agent/providers,
// collapsing their streaming chunks into the single synchronous response
// the run loop consumes per step.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tasker-core/core/internal/agent"
	"github.com/tasker-core/core/internal/agent/providers"
	"github.com/tasker-core/core/internal/ratelimit"
	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/pkg/models"
)

// FinishReason mirrors the contract's finish_reason values.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishToolUse  FinishReason = "tool_use"
	FinishLength   FinishReason = "length"
	FinishError    FinishReason = "error"
)

// ChatRequest is one call into the LLM client.
type ChatRequest struct {
	Provider   string
	Model      string
	System     string
	Messages   []agent.CompletionMessage
	Tools      []agent.Tool
	MaxTokens  int
	Images     []models.Attachment
}

// ChatResponse is the aggregated, non-streaming result of a chat call.
type ChatResponse struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	InputTokens  int
	OutputTokens int
}

// Client is the provider-neutral contract the run loop calls once per step.
// Concurrent calls are permitted; each provider is throttled independently
// by a token bucket so a burst against one provider cannot starve another.
type Client struct {
	providers map[string]agent.LLMProvider
	limiters  map[string]*ratelimit.Bucket
}

// New builds a Client from per-provider API keys. Providers whose key is
// empty are omitted; Chat returns LLMAuthError if asked for one that was
// never configured.
func New(anthropicKey, openaiKey, googleKey string) (*Client, error) {
	c := &Client{
		providers: make(map[string]agent.LLMProvider),
		limiters:  make(map[string]*ratelimit.Bucket),
	}
	if anthropicKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: anthropicKey})
		if err != nil {
			return nil, fmt.Errorf("init anthropic provider: %w", err)
		}
		c.providers["anthropic"] = p
		c.limiters["anthropic"] = ratelimit.NewBucket(ratelimit.DefaultConfig())
	}
	if openaiKey != "" {
		c.providers["openai"] = providers.NewOpenAIProvider(openaiKey)
		c.limiters["openai"] = ratelimit.NewBucket(ratelimit.DefaultConfig())
	}
	if googleKey != "" {
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: googleKey})
		if err != nil {
			return nil, fmt.Errorf("init google provider: %w", err)
		}
		c.providers["google"] = p
		c.limiters["google"] = ratelimit.NewBucket(ratelimit.DefaultConfig())
	}
	return c, nil
}

// waitForToken blocks until the named provider's bucket grants a token or
// ctx is cancelled. Bucket.Allow is non-blocking, so this polls it at a
// fraction of the bucket's refill interval.
func waitForToken(ctx context.Context, bucket *ratelimit.Bucket) error {
	if bucket == nil {
		return nil
	}
	for {
		if bucket.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Chat performs one synchronous chat+tool call. Rate limit errors are
// retried by the caller (the run loop owns the retry-with-backoff policy);
// Chat itself returns the raw error.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	provider, ok := c.providers[req.Provider]
	if !ok {
		return nil, tkerr.New(tkerr.LLMAuthError, "no provider configured: "+req.Provider)
	}
	if err := waitForToken(ctx, c.limiters[req.Provider]); err != nil {
		return nil, tkerr.Wrap(tkerr.Timeout, "rate limiter wait cancelled", err)
	}

	messages := req.Messages
	if len(req.Images) > 0 && len(messages) > 0 {
		messages = append([]agent.CompletionMessage(nil), messages...)
		last := &messages[len(messages)-1]
		last.Attachments = append(last.Attachments, req.Images...)
	}

	creq := &agent.CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	}

	chunks, err := provider.Complete(ctx, creq)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	resp := &ChatResponse{FinishReason: FinishStop}
	var toolCalls []models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, classifyProviderError(chunk.Error)
		}
		if chunk.Text != "" {
			resp.Text += chunk.Text
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
		}
	}
	resp.ToolCalls = toolCalls
	if len(toolCalls) > 0 {
		resp.FinishReason = FinishToolUse
	}
	return resp, nil
}

func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	switch providers.ClassifyError(err) {
	case providers.ClassRateLimit:
		return tkerr.Wrap(tkerr.LLMRateLimited, "provider rate limited", err)
	case providers.ClassAuth:
		return tkerr.Wrap(tkerr.LLMAuthError, "provider auth failed", err)
	case providers.ClassServerError, providers.ClassModelUnavailable, providers.ClassTimeout:
		return tkerr.Wrap(tkerr.LLMUnavailable, "provider unavailable", err)
	case providers.ClassInvalidRequest:
		return tkerr.Wrap(tkerr.LLMBadResponse, "provider rejected request", err)
	default:
		return tkerr.Wrap(tkerr.LLMUnavailable, "provider error", err)
	}
}
