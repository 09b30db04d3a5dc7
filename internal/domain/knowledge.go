package domain

import "time"

// SourceTag names a knowledge backend.
type SourceTag string

const (
	SourceWikipedia   SourceTag = "wikipedia"
	SourceMoegirl     SourceTag = "moegirl"
	SourceChatHistory SourceTag = "qq_chat_history"
	SourceWikidata    SourceTag = "wikidata"
)

// Valid reports whether the tag may appear in a classifier request.
func (t SourceTag) Valid() bool {
	switch t {
	case SourceWikipedia, SourceMoegirl, SourceChatHistory:
		return true
	default:
		return false
	}
}

// ItemKind enumerates what a KnowledgeItem was produced from.
type ItemKind string

const (
	KindDocSummary  ItemKind = "doc-summary"
	KindFact        ItemKind = "fact"
	KindChatSummary ItemKind = "chat-summary"
)

// DocRequest is one entry of required_docs, kept in the order the classifier emitted it.
type DocRequest struct {
	Entity string
	Source SourceTag
}

// ChatParameters controls chat-history retrieval. At most one of TimeRangeHours and
// MessageCount is non-zero after normalization.
type ChatParameters struct {
	TimeRangeHours float64
	MessageCount   int
	Summarize      bool
}

// KnowledgeRequest is the classifier output.
type KnowledgeRequest struct {
	RequiredDocs  []DocRequest
	RequiredFacts []string
	Parameters    *ChatParameters
}

// Empty reports whether the request asks for nothing.
func (r KnowledgeRequest) Empty() bool {
	return len(r.RequiredDocs) == 0 && len(r.RequiredFacts) == 0
}

// SearchResult is one candidate page returned by a source search.
// Score is source-native and not comparable across sources.
type SearchResult struct {
	Title   string    `json:"title"`
	Snippet string    `json:"snippet"`
	Source  SourceTag `json:"source"`
	Score   float64   `json:"score"`
	URL     string    `json:"url,omitempty"`
}

// PageContent is an immutable snapshot of one fetched page.
type PageContent struct {
	Title     string    `json:"title"`
	RawMarkup string    `json:"rawMarkup"`
	SourceURL string    `json:"sourceUrl"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// KnowledgeItem is the unit injected into the model context.
type KnowledgeItem struct {
	Subject    string    `json:"subject"`
	Kind       ItemKind  `json:"kind"`
	Text       string    `json:"text"`
	Source     SourceTag `json:"source"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	ProducedAt time.Time `json:"producedAt"`
}

// CacheEntry is a stored cache value with its freshness metadata.
type CacheEntry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is older than its ttl at the given instant.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// DialogueTurn is one prior message of the conversation being augmented.
type DialogueTurn struct {
	Role    string `json:"role"`
	Speaker string `json:"speaker,omitempty"`
	Content string `json:"content"`
}

// ChatMessage is one message returned by the chat-history collaborator.
type ChatMessage struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatWindow selects a slice of chat history. Exactly one field is set.
type ChatWindow struct {
	Hours float64
	Count int
}
