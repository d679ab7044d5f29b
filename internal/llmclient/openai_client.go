// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// OpenAIClient implements schemas.LLMClient for OpenAI-compatible chat
// completion endpoints. Endpoint overrides the base URL for self-hosted
// gateways.
type OpenAIClient struct {
	client  *openai.Client
	logger  *zap.Logger
	config  config.LLMModelConfig
	timeout time.Duration
}

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, &config.MissingValueError{Key: "llm.models.<openai>.api_key (or OPENAI_API_KEY)"}
	}
	if cfg.Model == "" {
		return nil, &config.MissingValueError{Key: "llm.models.<openai>.model"}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		logger:  logger.Named("llm_client.openai"),
		config:  cfg,
		timeout: cfg.APITimeout,
	}, nil
}

// Generate sends a chat completion request and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        c.config.TopP,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Options.ForceJSONFormat {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("OpenAI API returned error status", zap.Int("status", apiErr.HTTPStatusCode), zap.String("message", apiErr.Message))
		}
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai API returned no choices")
	}

	c.logger.Debug("LLM generation complete (OpenAI)",
		zap.String("model", c.config.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

// Close implements schemas.LLMClient.
func (c *OpenAIClient) Close() error { return nil }
