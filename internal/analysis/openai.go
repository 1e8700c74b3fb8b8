package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/worklog/internal/jobs"
)

// Completion is a model reply with its token usage.
type Completion struct {
	Content string
	Usage   jobs.Usage
}

// Completer sends chat messages to an LLM and returns its JSON reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// OpenAIConfig configures the OpenAI completer. BaseURL may point at any
// OpenAI-compatible gateway.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float32
}

// OpenAI is a Completer backed by the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	temp   float32
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI completer. A nil logger means slog.Default().
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		temp:   cfg.Temperature,
		logger: logger,
	}
}

// Complete requests a JSON-object chat completion.
func (o *OpenAI) Complete(ctx context.Context, messages []Message) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temp,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("chat completion failed", "model", o.model, "error", err)
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("chat completion returned no choices")
	}
	o.logger.Debug("chat completion done",
		"model", o.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return Completion{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: jobs.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
