package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"KnowledgeScout/internal/domain"
)

const (
	configPathEnv      = "KNOWLEDGE_SCOUT_CONFIG"
	cachePathEnv       = "KNOWLEDGE_SCOUT_CACHE_PATH"
	logLevelEnv        = "KNOWLEDGE_SCOUT_LOG_LEVEL"
	classifierModelEnv = "KNOWLEDGE_SCOUT_CLASSIFIER_MODEL"
	filterModelEnv     = "KNOWLEDGE_SCOUT_FILTER_MODEL"
	summarizerModelEnv = "KNOWLEDGE_SCOUT_SUMMARIZER_MODEL"
	openAIKeyEnv       = "OPENAI_API_KEY"
	anthropicKeyEnv    = "ANTHROPIC_API_KEY"
	geminiKeyEnv       = "GEMINI_API_KEY"
)

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Models        ModelsConfig        `yaml:"models"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Sources       SourcesConfig       `yaml:"sources"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Cache         CacheConfig         `yaml:"cache"`
	ChatHistory   ChatHistoryConfig   `yaml:"chatHistory"`
	Gate          GateConfig          `yaml:"gate"`
	Render        RenderConfig        `yaml:"render"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelsConfig binds each reasoning role to a "provider/model" id.
type ModelsConfig struct {
	Classifier string `yaml:"classifier"`
	Filter     string `yaml:"filter"`
	Summarizer string `yaml:"summarizer"`
}

// ProvidersConfig carries model provider credentials.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ProviderConfig describes how to contact one model provider.
type ProviderConfig struct {
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseURL"`
	MaxTokens int    `yaml:"maxTokens"`
}

// SourcesConfig groups the encyclopedic backends and their shared transport settings.
type SourcesConfig struct {
	Wikipedia         SourceConfig  `yaml:"wikipedia"`
	Moegirl           SourceConfig  `yaml:"moegirl"`
	Wikidata          SourceConfig  `yaml:"wikidata"`
	UserAgent         string        `yaml:"userAgent"`
	MaxSearchResults  int           `yaml:"maxSearchResults"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	RetryOnce         *bool         `yaml:"retryOnce"`
	LabelCacheSize    int           `yaml:"labelCacheSize"`
}

// SourceConfig enables one backend and points it at an API endpoint.
type SourceConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// On reports whether the source is enabled.
func (s SourceConfig) On() bool {
	return s.Enabled != nil && *s.Enabled
}

// ReasoningConfig tunes the classifier and filter stages.
type ReasoningConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	DialogueBudget        int           `yaml:"dialogueBudget"`
	PromptDir             string        `yaml:"promptDir"`
	FilterEnabled         *bool         `yaml:"filterEnabled"`
	CrossSourceCandidates *bool         `yaml:"crossSourceCandidates"`
	PreferExactTitle      *bool         `yaml:"preferExactTitle"`
}

// SummarizationConfig holds feature flags and activation thresholds (in runes, exclusive).
type SummarizationConfig struct {
	DocEnabled      *bool `yaml:"docEnabled"`
	DocThreshold    int   `yaml:"docThreshold"`
	ChatEnabled     *bool `yaml:"chatEnabled"`
	ChatThreshold   int   `yaml:"chatThreshold"`
	ChatChunkBudget int   `yaml:"chatChunkBudget"`
	MaxInputChars   int   `yaml:"maxInputChars"`
	TargetChars     int   `yaml:"targetChars"`
}

// RetrievalConfig bounds fan-out and sets cache lifetimes per content kind.
type RetrievalConfig struct {
	MaxInFlight int           `yaml:"maxInFlight"`
	DocTTL      time.Duration `yaml:"docTTL"`
	FactTTL     time.Duration `yaml:"factTTL"`
	SearchTTL   time.Duration `yaml:"searchTTL"`
	PageTTL     time.Duration `yaml:"pageTTL"`
}

// CacheConfig selects and sizes the cache store.
type CacheConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	MaxBytes      int64  `yaml:"maxBytes"`
	MemoryEntries int    `yaml:"memoryEntries"`
}

// ChatHistoryConfig points at the transcript log and the default window.
type ChatHistoryConfig struct {
	DefaultMessageCount int    `yaml:"defaultMessageCount"`
	LogPath             string `yaml:"logPath"`
}

// GateConfig short-circuits turns by keyword before any model is asked.
type GateConfig struct {
	Blacklist        []string `yaml:"blacklist"`
	WhitelistEnabled bool     `yaml:"whitelistEnabled"`
	Whitelist        []string `yaml:"whitelist"`
}

// RenderConfig shapes the injected context block.
type RenderConfig struct {
	PersonaNames []string `yaml:"personaNames"`
}

// Load reads YAML configuration from the path in KNOWLEDGE_SCOUT_CONFIG (if set) and applies
// environment overrides.
func Load() Config {
	return LoadFrom(os.Getenv(configPathEnv))
}

// LoadFrom is Load with an explicit file path; an empty path means defaults plus environment.
func LoadFrom(path string) Config {
	cfg := defaultConfig()

	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Validate reports configuration faults that make the pipeline unusable. Every error wraps
// domain.ErrConfiguration.
func (c Config) Validate() error {
	roles := []struct{ role, id string }{
		{"classifier", c.Models.Classifier},
		{"filter", c.Models.Filter},
		{"summarizer", c.Models.Summarizer},
	}
	for _, r := range roles {
		if strings.TrimSpace(r.id) == "" {
			return fmt.Errorf("%w: no model configured for %s", domain.ErrConfiguration, r.role)
		}
		provider, _, ok := strings.Cut(r.id, "/")
		if !ok {
			return fmt.Errorf("%w: %s model %q is not of the form provider/model", domain.ErrConfiguration, r.role, r.id)
		}
		creds, known := c.Providers.byName(strings.ToLower(provider))
		if !known {
			return fmt.Errorf("%w: %s model %q uses unknown provider", domain.ErrConfiguration, r.role, r.id)
		}
		if creds.APIKey == "" {
			return fmt.Errorf("%w: %s model %q has no %s credentials", domain.ErrConfiguration, r.role, r.id, provider)
		}
	}
	if c.Retrieval.MaxInFlight <= 0 {
		return fmt.Errorf("%w: retrieval.maxInFlight must be positive", domain.ErrConfiguration)
	}
	switch c.Cache.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", domain.ErrConfiguration, c.Cache.Backend)
	}
	return nil
}

func (p ProvidersConfig) byName(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return p.OpenAI, true
	case "anthropic":
		return p.Anthropic, true
	case "gemini":
		return p.Gemini, true
	default:
		return ProviderConfig{}, false
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(openAIKeyEnv); v != "" {
		c.Providers.OpenAI.APIKey = v
	}

	if v := os.Getenv(anthropicKeyEnv); v != "" {
		c.Providers.Anthropic.APIKey = v
	}

	if v := os.Getenv(geminiKeyEnv); v != "" {
		c.Providers.Gemini.APIKey = v
	}

	if v := os.Getenv(cachePathEnv); v != "" {
		c.Cache.Path = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(classifierModelEnv); v != "" {
		c.Models.Classifier = v
	}
	if v := os.Getenv(filterModelEnv); v != "" {
		c.Models.Filter = v
	}
	if v := os.Getenv(summarizerModelEnv); v != "" {
		c.Models.Summarizer = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Models.Classifier != "" {
		base.Models.Classifier = override.Models.Classifier
	}
	if override.Models.Filter != "" {
		base.Models.Filter = override.Models.Filter
	}
	if override.Models.Summarizer != "" {
		base.Models.Summarizer = override.Models.Summarizer
	}

	base.Providers.OpenAI = mergeProvider(base.Providers.OpenAI, override.Providers.OpenAI)
	base.Providers.Anthropic = mergeProvider(base.Providers.Anthropic, override.Providers.Anthropic)
	base.Providers.Gemini = mergeProvider(base.Providers.Gemini, override.Providers.Gemini)

	base.Sources.Wikipedia = mergeSource(base.Sources.Wikipedia, override.Sources.Wikipedia)
	base.Sources.Moegirl = mergeSource(base.Sources.Moegirl, override.Sources.Moegirl)
	base.Sources.Wikidata = mergeSource(base.Sources.Wikidata, override.Sources.Wikidata)
	if override.Sources.UserAgent != "" {
		base.Sources.UserAgent = override.Sources.UserAgent
	}
	if override.Sources.MaxSearchResults > 0 {
		base.Sources.MaxSearchResults = override.Sources.MaxSearchResults
	}
	if override.Sources.RequestTimeout > 0 {
		base.Sources.RequestTimeout = override.Sources.RequestTimeout
	}
	if override.Sources.RequestsPerSecond > 0 {
		base.Sources.RequestsPerSecond = override.Sources.RequestsPerSecond
	}
	if override.Sources.RetryOnce != nil {
		base.Sources.RetryOnce = override.Sources.RetryOnce
	}
	if override.Sources.LabelCacheSize > 0 {
		base.Sources.LabelCacheSize = override.Sources.LabelCacheSize
	}

	if override.Reasoning.Timeout > 0 {
		base.Reasoning.Timeout = override.Reasoning.Timeout
	}
	if override.Reasoning.DialogueBudget > 0 {
		base.Reasoning.DialogueBudget = override.Reasoning.DialogueBudget
	}
	if override.Reasoning.PromptDir != "" {
		base.Reasoning.PromptDir = override.Reasoning.PromptDir
	}
	if override.Reasoning.FilterEnabled != nil {
		base.Reasoning.FilterEnabled = override.Reasoning.FilterEnabled
	}
	if override.Reasoning.CrossSourceCandidates != nil {
		base.Reasoning.CrossSourceCandidates = override.Reasoning.CrossSourceCandidates
	}
	if override.Reasoning.PreferExactTitle != nil {
		base.Reasoning.PreferExactTitle = override.Reasoning.PreferExactTitle
	}

	if override.Summarization.DocEnabled != nil {
		base.Summarization.DocEnabled = override.Summarization.DocEnabled
	}
	if override.Summarization.DocThreshold > 0 {
		base.Summarization.DocThreshold = override.Summarization.DocThreshold
	}
	if override.Summarization.ChatEnabled != nil {
		base.Summarization.ChatEnabled = override.Summarization.ChatEnabled
	}
	if override.Summarization.ChatThreshold > 0 {
		base.Summarization.ChatThreshold = override.Summarization.ChatThreshold
	}
	if override.Summarization.ChatChunkBudget > 0 {
		base.Summarization.ChatChunkBudget = override.Summarization.ChatChunkBudget
	}
	if override.Summarization.MaxInputChars > 0 {
		base.Summarization.MaxInputChars = override.Summarization.MaxInputChars
	}
	if override.Summarization.TargetChars > 0 {
		base.Summarization.TargetChars = override.Summarization.TargetChars
	}

	if override.Retrieval.MaxInFlight > 0 {
		base.Retrieval.MaxInFlight = override.Retrieval.MaxInFlight
	}
	if override.Retrieval.DocTTL > 0 {
		base.Retrieval.DocTTL = override.Retrieval.DocTTL
	}
	if override.Retrieval.FactTTL > 0 {
		base.Retrieval.FactTTL = override.Retrieval.FactTTL
	}
	if override.Retrieval.SearchTTL > 0 {
		base.Retrieval.SearchTTL = override.Retrieval.SearchTTL
	}
	if override.Retrieval.PageTTL > 0 {
		base.Retrieval.PageTTL = override.Retrieval.PageTTL
	}

	if override.Cache.Backend != "" {
		base.Cache.Backend = override.Cache.Backend
	}
	if override.Cache.Path != "" {
		base.Cache.Path = override.Cache.Path
	}
	if override.Cache.MaxBytes > 0 {
		base.Cache.MaxBytes = override.Cache.MaxBytes
	}
	if override.Cache.MemoryEntries > 0 {
		base.Cache.MemoryEntries = override.Cache.MemoryEntries
	}

	if override.ChatHistory.DefaultMessageCount > 0 {
		base.ChatHistory.DefaultMessageCount = override.ChatHistory.DefaultMessageCount
	}
	if override.ChatHistory.LogPath != "" {
		base.ChatHistory.LogPath = override.ChatHistory.LogPath
	}

	if len(override.Gate.Blacklist) > 0 {
		base.Gate.Blacklist = override.Gate.Blacklist
	}
	if override.Gate.WhitelistEnabled {
		base.Gate.WhitelistEnabled = true
	}
	if len(override.Gate.Whitelist) > 0 {
		base.Gate.Whitelist = override.Gate.Whitelist
	}

	if len(override.Render.PersonaNames) > 0 {
		base.Render.PersonaNames = override.Render.PersonaNames
	}

	return base
}

func mergeProvider(base, override ProviderConfig) ProviderConfig {
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.MaxTokens > 0 {
		base.MaxTokens = override.MaxTokens
	}
	return base
}

func mergeSource(base, override SourceConfig) SourceConfig {
	if override.Enabled != nil {
		base.Enabled = override.Enabled
	}
	if override.Endpoint != "" {
		base.Endpoint = override.Endpoint
	}
	return base
}

func boolPtr(v bool) *bool { return &v }

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Models: ModelsConfig{
			Classifier: "openai/gpt-4o-mini",
			Filter:     "openai/gpt-4o-mini",
			Summarizer: "openai/gpt-4o-mini",
		},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{MaxTokens: 1024},
			Anthropic: ProviderConfig{MaxTokens: 1024},
			Gemini:    ProviderConfig{MaxTokens: 1024},
		},
		Sources: SourcesConfig{
			Wikipedia:         SourceConfig{Enabled: boolPtr(true), Endpoint: "https://zh.wikipedia.org/w/api.php"},
			Moegirl:           SourceConfig{Enabled: boolPtr(true), Endpoint: "https://zh.moegirl.org.cn/api.php"},
			Wikidata:          SourceConfig{Enabled: boolPtr(true), Endpoint: "https://www.wikidata.org/w/api.php"},
			UserAgent:         "KnowledgeScout/1.0 (knowledge retrieval bot)",
			MaxSearchResults:  5,
			RequestTimeout:    10 * time.Second,
			RequestsPerSecond: 2,
			RetryOnce:         boolPtr(true),
			LabelCacheSize:    2048,
		},
		Reasoning: ReasoningConfig{
			Timeout:               45 * time.Second,
			DialogueBudget:        4000,
			FilterEnabled:         boolPtr(true),
			CrossSourceCandidates: boolPtr(false),
			PreferExactTitle:      boolPtr(false),
		},
		Summarization: SummarizationConfig{
			DocEnabled:      boolPtr(true),
			DocThreshold:    1500,
			ChatEnabled:     boolPtr(true),
			ChatThreshold:   3000,
			ChatChunkBudget: 6000,
			MaxInputChars:   12000,
			TargetChars:     500,
		},
		Retrieval: RetrievalConfig{
			MaxInFlight: 3,
			DocTTL:      24 * time.Hour,
			FactTTL:     7 * 24 * time.Hour,
			SearchTTL:   6 * time.Hour,
			PageTTL:     24 * time.Hour,
		},
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			Path:          "data/knowledge_cache.db",
			MaxBytes:      64 << 20,
			MemoryEntries: 4096,
		},
		ChatHistory: ChatHistoryConfig{
			DefaultMessageCount: 50,
			LogPath:             "data/chat_history.jsonl",
		},
		Render: RenderConfig{PersonaNames: []string{"assistant"}},
	}
}
