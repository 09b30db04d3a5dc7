package ports

import (
	"context"
	"time"

	"KnowledgeScout/internal/domain"
)

// KnowledgeSource searches and fetches pages from one encyclopedic backend.
type KnowledgeSource interface {
	Tag() domain.SourceTag
	Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error)
	FetchPage(ctx context.Context, title string) (domain.PageContent, error)
}

// FactSource resolves a single structured fact. Absence is reported as ok=false, not an error.
type FactSource interface {
	FetchFact(ctx context.Context, subject, property string, disambiguators []string) (value string, ok bool, err error)
}

// CacheStore persists values under content-addressed keys with a ttl.
type CacheStore interface {
	Get(ctx context.Context, key string) (domain.CacheEntry, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// ChatHistory returns chat messages in chronological order (oldest first).
type ChatHistory interface {
	Fetch(ctx context.Context, window domain.ChatWindow) ([]domain.ChatMessage, error)
}

// ChatModel is the single capability every reasoning role relies on.
type ChatModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelResolver maps a configured model identifier onto a ChatModel.
type ModelResolver interface {
	Resolve(modelID string) (ChatModel, error)
}

// Classifier turns a dialogue into a knowledge request.
type Classifier interface {
	Classify(ctx context.Context, history []domain.DialogueTurn, current string) (domain.KnowledgeRequest, error)
}

// Filter picks one candidate. ok=false means none of the candidates is relevant.
type Filter interface {
	Select(ctx context.Context, dialogue, entity string, candidates []domain.SearchResult) (choice domain.SearchResult, ok bool, err error)
}

// Summarizer condenses page text or chat transcripts.
type Summarizer interface {
	SummarizeDoc(ctx context.Context, dialogue, entity, content string) (string, error)
	SummarizeChat(ctx context.Context, dialogue, topic, transcript string) (string, error)
}
