package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"KnowledgeScout/internal/ports"
)

// OpenAIModel completes prompts through the Chat Completions API.
type OpenAIModel struct {
	client    *openai.Client
	model     string
	maxTokens int
}

var _ ports.ChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel builds a client for one model; baseURL may point at any compatible endpoint.
func NewOpenAIModel(cfg ProviderConfig, model string) (*OpenAIModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIModel{client: &client, model: model, maxTokens: cfg.MaxTokens}, nil
}

// Complete sends prompt as a single user message.
func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(m.maxTokens))
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
