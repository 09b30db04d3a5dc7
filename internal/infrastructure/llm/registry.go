// Package llm adapts hosted model APIs to the ChatModel capability.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// Provider names used as the prefix of a model id.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// ProviderConfig carries credentials for one provider.
type ProviderConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// Factory builds a ChatModel for a provider-local model name.
type Factory func(model string) (ports.ChatModel, error)

// Registry resolves "provider/model" ids to ChatModels and memoizes them.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	models    map[string]ports.ChatModel
}

var _ ports.ModelResolver = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		models:    make(map[string]ports.ChatModel),
	}
}

// NewProviderRegistry registers every provider that has credentials.
func NewProviderRegistry(ctx context.Context, providers map[string]ProviderConfig) *Registry {
	r := NewRegistry()
	for name, cfg := range providers {
		if cfg.APIKey == "" {
			continue
		}
		switch name {
		case ProviderOpenAI:
			r.Register(name, func(model string) (ports.ChatModel, error) { return NewOpenAIModel(cfg, model) })
		case ProviderAnthropic:
			r.Register(name, func(model string) (ports.ChatModel, error) { return NewAnthropicModel(cfg, model) })
		case ProviderGemini:
			r.Register(name, func(model string) (ports.ChatModel, error) { return NewGeminiModel(ctx, cfg, model) })
		}
	}
	return r
}

// Register installs or replaces the factory for provider.
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// Has reports whether provider has a factory.
func (r *Registry) Has(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[provider]
	return ok
}

// Resolve returns the ChatModel for modelID. Unknown providers and malformed ids are
// configuration errors.
func (r *Registry) Resolve(modelID string) (ports.ChatModel, error) {
	provider, model, err := SplitModelID(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.models[modelID]; ok {
		return m, nil
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no credentials or adapter for provider %q", domain.ErrConfiguration, provider)
	}
	m, err := factory(model)
	if err != nil {
		return nil, fmt.Errorf("%w: build model %q: %v", domain.ErrConfiguration, modelID, err)
	}
	r.models[modelID] = m
	return m, nil
}

// SplitModelID parses "provider/model".
func SplitModelID(modelID string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("%w: model id %q is not of the form provider/model", domain.ErrConfiguration, modelID)
	}
	return strings.ToLower(provider), model, nil
}
