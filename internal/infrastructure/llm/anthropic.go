package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"KnowledgeScout/internal/ports"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicModel completes prompts through the Messages API.
type AnthropicModel struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

var _ ports.ChatModel = (*AnthropicModel)(nil)

// NewAnthropicModel builds a client for one model.
func NewAnthropicModel(cfg ProviderConfig, model string) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicModel{client: &client, model: model, maxTokens: maxTokens}, nil
}

// Complete sends prompt as a single user turn and concatenates the text blocks of the answer.
func (m *AnthropicModel) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic message: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
