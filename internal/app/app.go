package app

import (
	"context"
	"fmt"
	"log/slog"

	"KnowledgeScout/internal/config"
	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/infrastructure/chathistory"
	"KnowledgeScout/internal/infrastructure/llm"
	"KnowledgeScout/internal/infrastructure/storage"
	"KnowledgeScout/internal/infrastructure/wiki"
	"KnowledgeScout/internal/infrastructure/wikidata"
	"KnowledgeScout/internal/logging"
	"KnowledgeScout/internal/ports"
	"KnowledgeScout/internal/reasoning"
	"KnowledgeScout/internal/source"
	"KnowledgeScout/internal/usecase"
)

// CacheBackend is a cache store that can also report and reset itself.
type CacheBackend interface {
	ports.CacheStore
	Stats(ctx context.Context) (storage.Stats, error)
	Purge(ctx context.Context) error
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	cache    CacheBackend
	prompts  *reasoning.PromptStore
	pipeline *usecase.Pipeline
}

// New builds the application from cfg. The returned Application owns the cache handle and
// must be closed.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	cache, err := newCache(cfg.Cache, baseLogger.With("component", "cache"))
	if err != nil {
		return nil, err
	}

	prompts, err := reasoning.NewPromptStore(cfg.Reasoning.PromptDir, baseLogger.With("component", "prompts"))
	if err != nil {
		_ = closeCache(cache)
		return nil, err
	}

	models := llm.NewProviderRegistry(ctx, map[string]llm.ProviderConfig{
		llm.ProviderOpenAI:    providerConfig(cfg.Providers.OpenAI),
		llm.ProviderAnthropic: providerConfig(cfg.Providers.Anthropic),
		llm.ProviderGemini:    providerConfig(cfg.Providers.Gemini),
	})

	stageDeps := func(component string) reasoning.StageDeps {
		return reasoning.StageDeps{Prompts: prompts, Models: models, Logger: baseLogger.With("component", component)}
	}
	classifierStage := reasoning.NewStage("classifier", cfg.Models.Classifier, reasoning.PromptClassifier, cfg.Reasoning.Timeout, stageDeps("stage.classifier"))
	filterStage := reasoning.NewStage("filter", cfg.Models.Filter, reasoning.PromptFilter, cfg.Reasoning.Timeout, stageDeps("stage.filter"))
	docStage := reasoning.NewStage("summarizer", cfg.Models.Summarizer, reasoning.PromptSummarizerDoc, cfg.Reasoning.Timeout, stageDeps("stage.summarizer"))
	chatStage := reasoning.NewStage("summarizer", cfg.Models.Summarizer, reasoning.PromptSummarizerChat, cfg.Reasoning.Timeout, stageDeps("stage.summarizer"))

	classifier := reasoning.NewClassifier(classifierStage, cfg.Reasoning.DialogueBudget, cfg.ChatHistory.DefaultMessageCount, baseLogger.With("component", "classifier"))
	filter := reasoning.NewFilter(filterStage, baseLogger.With("component", "filter"))
	summarizer := reasoning.NewSummarizer(docStage, chatStage, reasoning.SummarizerConfig{
		MaxInputChars: cfg.Summarization.MaxInputChars,
		TargetChars:   cfg.Summarization.TargetChars,
	})

	registry := source.NewRegistry()
	if cfg.Sources.Wikipedia.On() {
		registry.Register(wiki.NewWikipedia(newWikiClient(cfg.Sources, cfg.Sources.Wikipedia, baseLogger.With("component", "source.wikipedia"))))
	}
	if cfg.Sources.Moegirl.On() {
		registry.Register(wiki.NewMoegirl(newWikiClient(cfg.Sources, cfg.Sources.Moegirl, baseLogger.With("component", "source.moegirl"))))
	}

	var facts ports.FactSource
	if cfg.Sources.Wikidata.On() {
		factLogger := baseLogger.With("component", "source.wikidata")
		client, err := wikidata.NewClient(newWikiClient(cfg.Sources, cfg.Sources.Wikidata, factLogger), cfg.Sources.LabelCacheSize, factLogger)
		if err != nil {
			_ = closeCache(cache)
			return nil, fmt.Errorf("build wikidata client: %w", err)
		}
		facts = client
	}

	var chat ports.ChatHistory
	if cfg.ChatHistory.LogPath != "" {
		chat = chathistory.NewJSONLFile(cfg.ChatHistory.LogPath, baseLogger.With("component", "chathistory"))
	}

	retriever := usecase.NewRetriever(usecase.RetrieverConfig{
		MaxInFlight:           cfg.Retrieval.MaxInFlight,
		MaxSearchResults:      cfg.Sources.MaxSearchResults,
		FilterEnabled:         isOn(cfg.Reasoning.FilterEnabled),
		CrossSourceCandidates: isOn(cfg.Reasoning.CrossSourceCandidates),
		PreferExactTitle:      isOn(cfg.Reasoning.PreferExactTitle),
		DocSummaries:          isOn(cfg.Summarization.DocEnabled),
		DocThreshold:          cfg.Summarization.DocThreshold,
		ChatSummaries:         isOn(cfg.Summarization.ChatEnabled),
		ChatThreshold:         cfg.Summarization.ChatThreshold,
		ChatChunkBudget:       cfg.Summarization.ChatChunkBudget,
		DefaultMessageCount:   cfg.ChatHistory.DefaultMessageCount,
		DocTTL:                cfg.Retrieval.DocTTL,
		FactTTL:               cfg.Retrieval.FactTTL,
		SearchTTL:             cfg.Retrieval.SearchTTL,
		PageTTL:               cfg.Retrieval.PageTTL,
	}, usecase.RetrieverDeps{
		Sources:    registry,
		Facts:      facts,
		Cache:      cache,
		Chat:       chat,
		Filter:     filter,
		Summarizer: summarizer,
		Logger:     baseLogger.With("component", "retriever"),
	})

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Classifier: classifier,
		Retriever:  retriever,
		Bindings:   []usecase.Binding{classifierStage, filterStage, docStage},
		Gate: usecase.Gate{
			Blacklist:        cfg.Gate.Blacklist,
			WhitelistEnabled: cfg.Gate.WhitelistEnabled,
			Whitelist:        cfg.Gate.Whitelist,
		},
		DialogueBudget: cfg.Reasoning.DialogueBudget,
		Logger:         baseLogger.With("component", "pipeline"),
	})

	return &Application{
		cfg:      cfg,
		logger:   baseLogger,
		cache:    cache,
		prompts:  prompts,
		pipeline: pipeline,
	}, nil
}

// Resolve runs one turn through the pipeline.
func (a *Application) Resolve(ctx context.Context, history []domain.DialogueTurn, current string) ([]domain.KnowledgeItem, error) {
	return a.pipeline.Resolve(ctx, history, current)
}

// RenderContext formats a bundle with the configured persona names.
func (a *Application) RenderContext(bundle []domain.KnowledgeItem) string {
	return usecase.RenderContext(bundle, a.cfg.Render.PersonaNames)
}

// WatchPrompts reloads prompt overrides until ctx is done.
func (a *Application) WatchPrompts(ctx context.Context) error {
	return a.prompts.Watch(ctx)
}

// Cache exposes the cache backend for maintenance commands.
func (a *Application) Cache() CacheBackend {
	return a.cache
}

// Close releases the cache handle.
func (a *Application) Close() error {
	return closeCache(a.cache)
}

func newCache(cfg config.CacheConfig, log *slog.Logger) (CacheBackend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(cfg.MemoryEntries, cfg.MaxBytes)
	case config.BackendSQLite, "":
		return storage.NewSQLiteStore(storage.SQLiteConfig{Path: cfg.Path, MaxBytes: cfg.MaxBytes}, log)
	default:
		return nil, fmt.Errorf("%w: unknown cache backend %q", domain.ErrConfiguration, cfg.Backend)
	}
}

func closeCache(c CacheBackend) error {
	if closer, ok := c.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func newWikiClient(shared config.SourcesConfig, src config.SourceConfig, log *slog.Logger) *wiki.Client {
	return wiki.NewClient(wiki.ClientConfig{
		Endpoint:          src.Endpoint,
		UserAgent:         shared.UserAgent,
		Timeout:           shared.RequestTimeout,
		RequestsPerSecond: shared.RequestsPerSecond,
		RetryOnce:         isOn(shared.RetryOnce),
		Logger:            log,
	})
}

func providerConfig(p config.ProviderConfig) llm.ProviderConfig {
	return llm.ProviderConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, MaxTokens: p.MaxTokens}
}

func isOn(v *bool) bool {
	return v != nil && *v
}
