package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/infrastructure/storage"
	"KnowledgeScout/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	tag     domain.SourceTag
	results map[string][]domain.SearchResult
	pages   map[string]string
	delay   map[string]time.Duration
	failOn  map[string]error
	block   atomic.Bool

	searches atomic.Int32
	fetches  atomic.Int32
}

func (f *fakeSource) Tag() domain.SourceTag { return f.tag }

func (f *fakeSource) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	f.searches.Add(1)
	if f.block.Load() {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, ctx.Err())
	}
	if d := f.delay[query]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.failOn[query]; err != nil {
		return nil, err
	}
	results := f.results[query]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeSource) FetchPage(_ context.Context, title string) (domain.PageContent, error) {
	f.fetches.Add(1)
	text, ok := f.pages[title]
	if !ok {
		return domain.PageContent{}, fmt.Errorf("fetch %q: %w", title, domain.ErrPageNotFound)
	}
	return domain.PageContent{Title: title, RawMarkup: text, SourceURL: "https://example.org/wiki/" + title, FetchedAt: time.Now()}, nil
}

// singlePage returns a source with one search hit and one page per title.
func singlePage(tag domain.SourceTag, pages map[string]string) *fakeSource {
	src := &fakeSource{tag: tag, results: map[string][]domain.SearchResult{}, pages: pages}
	for title := range pages {
		src.results[title] = []domain.SearchResult{{Title: title, Source: tag, Score: 1}}
	}
	return src
}

type fakeFacts struct {
	values map[string]string
	calls  atomic.Int32
}

func (f *fakeFacts) FetchFact(_ context.Context, subject, property string, _ []string) (string, bool, error) {
	f.calls.Add(1)
	v, ok := f.values[subject+"."+property]
	return v, ok, nil
}

type fakeFilter struct {
	choice domain.SearchResult
	ok     bool
	err    error

	mu    sync.Mutex
	calls [][]domain.SearchResult
}

func (f *fakeFilter) Select(_ context.Context, _, _ string, candidates []domain.SearchResult) (domain.SearchResult, bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]domain.SearchResult(nil), candidates...))
	f.mu.Unlock()
	return f.choice, f.ok, f.err
}

type fakeSummarizer struct {
	docCalls  atomic.Int32
	chatCalls atomic.Int32
	chatMax   atomic.Int32
}

func (s *fakeSummarizer) SummarizeDoc(_ context.Context, _, entity, _ string) (string, error) {
	s.docCalls.Add(1)
	return "summary of " + entity, nil
}

func (s *fakeSummarizer) SummarizeChat(_ context.Context, _, _, transcript string) (string, error) {
	s.chatCalls.Add(1)
	if n := int32(len([]rune(transcript))); n > s.chatMax.Load() {
		s.chatMax.Store(n)
	}
	return "chat digest", nil
}

type fakeChat struct {
	messages []domain.ChatMessage
	windows  []domain.ChatWindow
	mu       sync.Mutex
}

func (c *fakeChat) Fetch(_ context.Context, window domain.ChatWindow) ([]domain.ChatMessage, error) {
	c.mu.Lock()
	c.windows = append(c.windows, window)
	c.mu.Unlock()
	return c.messages, nil
}

func baseConfig() RetrieverConfig {
	return RetrieverConfig{
		MaxInFlight:         3,
		MaxSearchResults:    5,
		FilterEnabled:       true,
		DocSummaries:        true,
		DocThreshold:        1000,
		ChatSummaries:       true,
		ChatThreshold:       1000,
		ChatChunkBudget:     1000,
		DefaultMessageCount: 20,
		DocTTL:              time.Hour,
		FactTTL:             time.Hour,
		SearchTTL:           time.Hour,
		PageTTL:             time.Hour,
	}
}

func newCache(t *testing.T) *storage.MemoryStore {
	t.Helper()
	cache, err := storage.NewMemoryStore(256, 0)
	require.NoError(t, err)
	return cache
}

func registryOf(sources ...*fakeSource) *source.Registry {
	r := source.NewRegistry()
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func docs(pairs ...string) []domain.DocRequest {
	out := make([]domain.DocRequest, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.DocRequest{Entity: pairs[i], Source: domain.SourceTag(pairs[i+1])})
	}
	return out
}

func subjects(bundle []domain.KnowledgeItem) []string {
	out := make([]string, 0, len(bundle))
	for _, item := range bundle {
		out = append(out, item.Subject)
	}
	return out
}

func TestRetrieveEmptyRequest(t *testing.T) {
	t.Parallel()

	r := NewRetriever(baseConfig(), RetrieverDeps{Cache: newCache(t)})
	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{Parameters: &domain.ChatParameters{}}, "")
	require.NoError(t, err)
	assert.Empty(t, bundle)
}

func TestRetrieveSingleDocSkipsFilter(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"苹果公司": "'''苹果公司'''是一家美国科技公司。"})
	filter := &fakeFilter{}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t), Filter: filter})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("苹果公司", "wikipedia")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	item := bundle[0]
	assert.Equal(t, "苹果公司", item.Subject)
	assert.Equal(t, domain.KindDocSummary, item.Kind)
	assert.Equal(t, domain.SourceWikipedia, item.Source)
	assert.Equal(t, "苹果公司是一家美国科技公司。", item.Text)
	assert.Empty(t, filter.calls)
}

func TestRetrieveKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{
		"Slow": "slow page",
		"Fast": "fast page",
		"Mid":  "mid page",
	})
	wp.delay = map[string]time.Duration{"Slow": 60 * time.Millisecond, "Mid": 20 * time.Millisecond}
	facts := &fakeFacts{values: map[string]string{"Fast.founder": "someone"}}

	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Facts: facts, Cache: newCache(t)})
	req := domain.KnowledgeRequest{
		RequiredDocs:  docs("Slow", "wikipedia", "Mid", "wikipedia", "Fast", "wikipedia"),
		RequiredFacts: []string{"Fast.founder"},
	}
	bundle, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"Slow", "Mid", "Fast", "Fast.founder"}, subjects(bundle))
	assert.Equal(t, domain.KindFact, bundle[3].Kind)
	assert.Equal(t, "Fast founder: someone", bundle[3].Text)
}

func TestRetrieveMergesDuplicateUnits(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"Apple Inc": "apple page"})
	wp.results["apple  inc"] = wp.results["Apple Inc"]
	facts := &fakeFacts{values: map[string]string{"Apple.founder": "Jobs"}}

	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Facts: facts, Cache: newCache(t)})
	req := domain.KnowledgeRequest{
		RequiredDocs:  docs("Apple Inc", "wikipedia", "apple  inc", "wikipedia"),
		RequiredFacts: []string{"[company|tech].Apple.founder", "[tech,company].apple.founder"},
	}
	bundle, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"Apple Inc", "[company|tech].Apple.founder"}, subjects(bundle))
	assert.EqualValues(t, 1, wp.searches.Load())
	assert.EqualValues(t, 1, wp.fetches.Load())
	assert.EqualValues(t, 1, facts.calls.Load())
}

func TestRetrieveFilterMismatchFallsBackToPreferredSource(t *testing.T) {
	t.Parallel()

	wp := &fakeSource{
		tag: domain.SourceWikipedia,
		results: map[string][]domain.SearchResult{"Saber": {
			{Title: "Saber (disambiguation)", Source: domain.SourceWikipedia, Score: 1},
			{Title: "Saber", Source: domain.SourceWikipedia, Score: 2},
		}},
		pages: map[string]string{"Saber": "a sword", "Saber (disambiguation)": "many things"},
	}
	moe := &fakeSource{
		tag:     domain.SourceMoegirl,
		results: map[string][]domain.SearchResult{"Saber": {{Title: "Saber (Fate)", Source: domain.SourceMoegirl, Score: 9}}},
		pages:   map[string]string{"Saber (Fate)": "a servant"},
	}
	filter := &fakeFilter{err: fmt.Errorf("%w: nope", domain.ErrFilterMismatch)}

	cfg := baseConfig()
	cfg.CrossSourceCandidates = true
	r := NewRetriever(cfg, RetrieverDeps{Sources: registryOf(wp, moe), Cache: newCache(t), Filter: filter})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Saber", "wikipedia")}, "")
	require.NoError(t, err)

	require.Len(t, filter.calls, 1)
	assert.Len(t, filter.calls[0], 3)
	require.Len(t, bundle, 1)
	assert.Equal(t, "a sword", bundle[0].Text)
	assert.Equal(t, domain.SourceWikipedia, bundle[0].Source)
	assert.EqualValues(t, 0, moe.fetches.Load())
}

func TestRetrieveFilterChoiceAndDecline(t *testing.T) {
	t.Parallel()

	results := []domain.SearchResult{
		{Title: "Mercury (planet)", Source: domain.SourceWikipedia, Score: 2},
		{Title: "Mercury (element)", Source: domain.SourceWikipedia, Score: 1},
	}
	newSource := func() *fakeSource {
		return &fakeSource{
			tag:     domain.SourceWikipedia,
			results: map[string][]domain.SearchResult{"Mercury": results},
			pages:   map[string]string{"Mercury (planet)": "planet", "Mercury (element)": "element"},
		}
	}

	chosen := &fakeFilter{choice: results[1], ok: true}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(newSource()), Cache: newCache(t), Filter: chosen})
	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Mercury", "wikipedia")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Equal(t, "element", bundle[0].Text)

	declined := &fakeFilter{ok: false}
	src := newSource()
	r = NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(src), Cache: newCache(t), Filter: declined})
	bundle, err = r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Mercury", "wikipedia")}, "")
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.EqualValues(t, 0, src.fetches.Load())
}

func TestRetrieveExactTitleShortcut(t *testing.T) {
	t.Parallel()

	wp := &fakeSource{
		tag: domain.SourceWikipedia,
		results: map[string][]domain.SearchResult{"Go": {
			{Title: "Go (game)", Source: domain.SourceWikipedia, Score: 2},
			{Title: "GO", Source: domain.SourceWikipedia, Score: 1},
		}},
		pages: map[string]string{"GO": "exact", "Go (game)": "board game"},
	}
	filter := &fakeFilter{}
	cfg := baseConfig()
	cfg.PreferExactTitle = true
	r := NewRetriever(cfg, RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t), Filter: filter})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Go", "wikipedia")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Equal(t, "exact", bundle[0].Text)
	assert.Empty(t, filter.calls)
}

func TestRetrieveFallsBackToAlternateSource(t *testing.T) {
	t.Parallel()

	moe := &fakeSource{tag: domain.SourceMoegirl, results: map[string][]domain.SearchResult{}}
	wp := singlePage(domain.SourceWikipedia, map[string]string{"Kyoto": "city in Japan"})
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp, moe), Cache: newCache(t)})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Kyoto", "moegirl")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Equal(t, domain.SourceWikipedia, bundle[0].Source)
	assert.EqualValues(t, 1, moe.searches.Load())
}

func TestRetrieveSummarizationThresholdIsExclusive(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{
		"AtLimit":   strings.Repeat("字", 10),
		"OverLimit": strings.Repeat("字", 11),
	})
	summarizer := &fakeSummarizer{}
	cfg := baseConfig()
	cfg.DocThreshold = 10
	r := NewRetriever(cfg, RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t), Summarizer: summarizer})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("AtLimit", "wikipedia", "OverLimit", "wikipedia")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 2)

	assert.Equal(t, strings.Repeat("字", 10), bundle[0].Text)
	assert.Equal(t, "summary of OverLimit", bundle[1].Text)
	assert.EqualValues(t, 1, summarizer.docCalls.Load())
}

func TestRetrieveDocSummariesDisabled(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"Long": strings.Repeat("a", 50)})
	summarizer := &fakeSummarizer{}
	cfg := baseConfig()
	cfg.DocThreshold = 10
	cfg.DocSummaries = false
	r := NewRetriever(cfg, RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t), Summarizer: summarizer})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Long", "wikipedia")}, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Len(t, bundle[0].Text, 50)
	assert.Zero(t, summarizer.docCalls.Load())
}

func TestRetrieveMissingFactIsDropped(t *testing.T) {
	t.Parallel()

	facts := &fakeFacts{values: map[string]string{}}
	r := NewRetriever(baseConfig(), RetrieverDeps{Facts: facts, Cache: newCache(t)})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredFacts: []string{"[person].朱祁镇.父亲", "not a fact"}}, "")
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.EqualValues(t, 1, facts.calls.Load())
}

func TestRetrieveChatTranscriptVerbatim(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chat := &fakeChat{messages: []domain.ChatMessage{
		{Speaker: "alice", Text: "hello", Timestamp: now},
		{Speaker: "bob", Text: "hi there", Timestamp: now.Add(time.Minute)},
	}}
	summarizer := &fakeSummarizer{}
	cfg := baseConfig()
	cfg.ChatThreshold = 1
	r := NewRetriever(cfg, RetrieverDeps{Cache: newCache(t), Chat: chat, Summarizer: summarizer})

	req := domain.KnowledgeRequest{
		RequiredDocs: docs("chat_history", "qq_chat_history"),
		Parameters:   &domain.ChatParameters{MessageCount: 100, Summarize: false},
	}
	bundle, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	assert.Equal(t, domain.KindChatSummary, bundle[0].Kind)
	assert.Equal(t, domain.SourceChatHistory, bundle[0].Source)
	assert.Equal(t, RenderTranscript(chat.messages), bundle[0].Text)
	assert.Zero(t, summarizer.chatCalls.Load())
	assert.Equal(t, []domain.ChatWindow{{Count: 100}}, chat.windows)
}

func TestRetrieveChatWindowPrefersMessageCount(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{messages: []domain.ChatMessage{{Speaker: "a", Text: "x"}}}
	r := NewRetriever(baseConfig(), RetrieverDeps{Chat: chat})

	req := domain.KnowledgeRequest{
		RequiredDocs: docs("chat_history", "qq_chat_history"),
		Parameters:   &domain.ChatParameters{MessageCount: 30, TimeRangeHours: 2},
	}
	_, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("chat_history", "qq_chat_history")}, "")
	require.NoError(t, err)

	assert.Equal(t, []domain.ChatWindow{{Count: 30}, {Count: 20}}, chat.windows)
}

func TestRetrieveChatSummaryIsChunked(t *testing.T) {
	t.Parallel()

	var messages []domain.ChatMessage
	for i := 0; i < 10; i++ {
		messages = append(messages, domain.ChatMessage{Speaker: "user", Text: strings.Repeat("m", 20)})
	}
	chat := &fakeChat{messages: messages}
	summarizer := &fakeSummarizer{}
	cfg := baseConfig()
	cfg.ChatThreshold = 50
	cfg.ChatChunkBudget = 70
	r := NewRetriever(cfg, RetrieverDeps{Chat: chat, Summarizer: summarizer})

	req := domain.KnowledgeRequest{
		RequiredDocs: docs("chat_history", "qq_chat_history"),
		Parameters:   &domain.ChatParameters{MessageCount: 10, Summarize: true},
	}
	bundle, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	chunks := ChunkTranscript(messages, 70)
	require.Len(t, chunks, 5)
	assert.EqualValues(t, len(chunks), summarizer.chatCalls.Load())
	assert.LessOrEqual(t, summarizer.chatMax.Load(), int32(70))
	assert.Equal(t, strings.TrimSuffix(strings.Repeat("chat digest\n\n", len(chunks)), "\n\n"), bundle[0].Text)
}

func TestRetrieveChatSummaryResummarizesOnce(t *testing.T) {
	t.Parallel()

	var messages []domain.ChatMessage
	for i := 0; i < 10; i++ {
		messages = append(messages, domain.ChatMessage{Speaker: "user", Text: strings.Repeat("m", 20)})
	}
	summarizer := &fakeSummarizer{}
	cfg := baseConfig()
	cfg.ChatThreshold = 50
	cfg.ChatChunkBudget = 60
	r := NewRetriever(cfg, RetrieverDeps{Chat: &fakeChat{messages: messages}, Summarizer: summarizer})

	req := domain.KnowledgeRequest{
		RequiredDocs: docs("chat_history", "qq_chat_history"),
		Parameters:   &domain.ChatParameters{MessageCount: 10, Summarize: true},
	}
	bundle, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	// five chunk digests join to 63 runes, over the 60 rune budget
	assert.EqualValues(t, 6, summarizer.chatCalls.Load())
	assert.Equal(t, "chat digest", bundle[0].Text)
}

func TestRetrievePartialFailure(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"Good": "fine"})
	wp.failOn = map[string]error{"Broken": fmt.Errorf("%w: timeout", domain.ErrSourceUnavailable)}
	wp.results["Gone"] = []domain.SearchResult{{Title: "Gone", Source: domain.SourceWikipedia}}

	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t)})
	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Broken", "wikipedia", "Gone", "wikipedia", "Good", "wikipedia")}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Good"}, subjects(bundle))
}

func TestRetrieveIsIdempotentWithinTTL(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"Tokyo": "capital of [[Japan]]"})
	facts := &fakeFacts{values: map[string]string{"Tokyo.population": "14 million"}}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Facts: facts, Cache: newCache(t)})
	req := domain.KnowledgeRequest{RequiredDocs: docs("Tokyo", "wikipedia"), RequiredFacts: []string{"Tokyo.population"}}

	first, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), req, "")
	require.NoError(t, err)

	texts := func(b []domain.KnowledgeItem) []string {
		out := make([]string, 0, len(b))
		for _, item := range b {
			out = append(out, item.Text)
		}
		return out
	}
	if diff := cmp.Diff(texts(first), texts(second)); diff != "" {
		t.Fatalf("bundle text changed between calls (-first +second):\n%s", diff)
	}
	assert.Equal(t, "capital of Japan", first[0].Text)
	assert.EqualValues(t, 1, wp.fetches.Load())
	assert.EqualValues(t, 1, facts.calls.Load())
}

func TestRetrieveCancellation(t *testing.T) {
	t.Parallel()

	wp := &fakeSource{tag: domain.SourceWikipedia}
	wp.block.Store(true)
	cfg := baseConfig()
	cfg.MaxInFlight = 1
	r := NewRetriever(cfg, RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Retrieve(ctx, domain.KnowledgeRequest{RequiredDocs: docs("A", "wikipedia", "B", "wikipedia", "C", "wikipedia")}, "")
		done <- err
	}()

	require.Eventually(t, func() bool { return wp.searches.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("retrieve did not return after cancellation")
	}
	assert.EqualValues(t, 1, wp.searches.Load())
}

func TestRetrieveSharedUnitSurvivesOtherTurnCancellation(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"Apple Inc": "apple page"})
	wp.delay = map[string]time.Duration{"Apple Inc": 200 * time.Millisecond}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t)})
	req := domain.KnowledgeRequest{RequiredDocs: docs("Apple Inc", "wikipedia")}

	type outcome struct {
		bundle []domain.KnowledgeItem
		err    error
	}
	run := func(ctx context.Context) <-chan outcome {
		out := make(chan outcome, 1)
		go func() {
			bundle, err := r.Retrieve(ctx, req, "")
			out <- outcome{bundle, err}
		}()
		return out
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	turnA := run(ctxA)
	require.Eventually(t, func() bool { return wp.searches.Load() == 1 }, time.Second, 5*time.Millisecond)

	turnB := run(context.Background())
	time.Sleep(50 * time.Millisecond)
	cancelA()

	a := <-turnA
	assert.ErrorIs(t, a.err, context.Canceled)

	b := <-turnB
	require.NoError(t, b.err)
	require.Len(t, b.bundle, 1)
	assert.Equal(t, "apple page", b.bundle[0].Text)
	assert.EqualValues(t, 1, wp.searches.Load())
}

func TestRetrieveSharedUnitCancelledWhenEveryTurnLeaves(t *testing.T) {
	t.Parallel()

	wp := singlePage(domain.SourceWikipedia, map[string]string{"A": "page a"})
	wp.block.Store(true)
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t)})
	req := domain.KnowledgeRequest{RequiredDocs: docs("A", "wikipedia")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Retrieve(ctx, req, "")
			done <- err
		}()
	}
	require.Eventually(t, func() bool { return wp.searches.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-done, context.Canceled)
	}

	// the abandoned flight is forgotten, so a fresh turn starts its own search
	wp.block.Store(false)
	require.Eventually(t, func() bool {
		bundle, err := r.Retrieve(context.Background(), req, "")
		return err == nil && len(bundle) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRetrieveStageTimeoutDropsOnlyThatUnit(t *testing.T) {
	t.Parallel()

	wp := &fakeSource{
		tag: domain.SourceWikipedia,
		results: map[string][]domain.SearchResult{
			"Mercury": {
				{Title: "Mercury (planet)", Source: domain.SourceWikipedia},
				{Title: "Mercury (element)", Source: domain.SourceWikipedia},
			},
			"Venus": {{Title: "Venus", Source: domain.SourceWikipedia}},
		},
		pages: map[string]string{"Venus": "second planet"},
	}
	filter := &fakeFilter{err: fmt.Errorf("invoke filter: %w", context.DeadlineExceeded)}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Cache: newCache(t), Filter: filter})

	bundle, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("Mercury", "wikipedia", "Venus", "wikipedia")}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Venus"}, subjects(bundle))
	require.Len(t, filter.calls, 1)
	assert.EqualValues(t, 1, wp.fetches.Load())
}

func TestRetrieveSurfacesConfigurationErrors(t *testing.T) {
	t.Parallel()

	wp := &fakeSource{
		tag: domain.SourceWikipedia,
		results: map[string][]domain.SearchResult{"X": {
			{Title: "X1", Source: domain.SourceWikipedia},
			{Title: "X2", Source: domain.SourceWikipedia},
		}},
	}
	filter := &fakeFilter{err: fmt.Errorf("filter model: %w", domain.ErrConfiguration)}
	r := NewRetriever(baseConfig(), RetrieverDeps{Sources: registryOf(wp), Filter: filter})

	_, err := r.Retrieve(context.Background(), domain.KnowledgeRequest{RequiredDocs: docs("X", "wikipedia")}, "")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBestCandidate(t *testing.T) {
	t.Parallel()

	candidates := []domain.SearchResult{
		{Title: "m1", Source: domain.SourceMoegirl, Score: 5},
		{Title: "w1", Source: domain.SourceWikipedia, Score: 1},
		{Title: "w2", Source: domain.SourceWikipedia, Score: 3},
	}
	assert.Equal(t, "w2", bestCandidate(candidates, domain.SourceWikipedia).Title)
	assert.Equal(t, "m1", bestCandidate(candidates, domain.SourceMoegirl).Title)
	assert.Equal(t, "m1", bestCandidate(candidates, domain.SourceChatHistory).Title)
}
