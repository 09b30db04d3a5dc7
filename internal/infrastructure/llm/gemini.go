package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"KnowledgeScout/internal/ports"
)

// GeminiModel completes prompts through the Gemini API.
type GeminiModel struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

var _ ports.ChatModel = (*GeminiModel)(nil)

// NewGeminiModel builds a client for one model.
func NewGeminiModel(ctx context.Context, cfg ProviderConfig, model string) (*GeminiModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	var genCfg *genai.GenerateContentConfig
	if cfg.MaxTokens > 0 {
		genCfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(cfg.MaxTokens)}
	}
	return &GeminiModel{client: client, model: model, config: genCfg}, nil
}

func (m *GeminiModel) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), m.config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
