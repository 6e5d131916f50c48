// Package llm is the completion provider client. Perplexity speaks the
// OpenAI chat completions protocol, so requests go through go-openai with
// the base URL pointed at Perplexity.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
)

// Roles accepted in a completion request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message of a completion request.
type Message struct {
	Role    string
	Content string
}

// Client sends chat completion requests.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a client from the provider configuration. The API key must
// already be resolved.
func New(cfg config.PerplexityConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = config.DefaultConfig().Perplexity.BaseURL
	}
	oc.BaseURL = baseURL

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		temperature:    float32(cfg.Temperature),
		maxTokens:      cfg.MaxTokens,
		logger:         logger.With("component", "llm", "model", cfg.Model),
		maxRetries:     2,
		initialBackoff: time.Second,
		maxBackoff:     10 * time.Second,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends the system prompt followed by messages and returns the
// first choice's content. Retryable failures are retried with exponential
// backoff; the returned error is an *APIError.
func (c *Client) Complete(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)+1),
	}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	var lastErr *APIError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", &APIError{Kind: ErrorFatal, Message: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
			}
			c.logger.Debug("completion received",
				"duration_ms", time.Since(start).Milliseconds(),
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens,
			)
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = Classify(err)
		if !lastErr.Kind.Retryable() || ctx.Err() != nil {
			c.logger.Warn("non-retryable completion error",
				"attempt", attempt+1, "kind", lastErr.Kind.String(), "error", err)
			return "", lastErr
		}
		if attempt >= c.maxRetries {
			break
		}

		backoff := c.initialBackoff
		for i := 0; i < attempt; i++ {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
				break
			}
		}
		c.logger.Info("retrying after retryable error",
			"attempt", attempt+1,
			"kind", lastErr.Kind.String(),
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", Classify(fmt.Errorf("context cancelled during backoff: %w", ctx.Err()))
		case <-time.After(backoff):
		}
	}

	c.logger.Warn("exhausted completion retries", "attempts", c.maxRetries+1, "error", lastErr)
	return "", lastErr
}
