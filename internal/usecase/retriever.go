package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
	"KnowledgeScout/internal/source"
	"KnowledgeScout/internal/wikitext"
)

// Stage names reported when a resolution unit fails.
const (
	stageSearch    = "search"
	stageFilter    = "filter"
	stageFetch     = "fetch"
	stageSummarize = "summarize"
	stageFact      = "fact"
	stageChat      = "chat"
)

// RetrieverConfig tunes the Smart Retriever.
type RetrieverConfig struct {
	MaxInFlight           int
	MaxSearchResults      int
	FilterEnabled         bool
	CrossSourceCandidates bool
	PreferExactTitle      bool

	// Thresholds are exclusive and counted in runes of the cleaned text.
	DocSummaries    bool
	DocThreshold    int
	ChatSummaries   bool
	ChatThreshold   int
	ChatChunkBudget int

	DefaultMessageCount int

	DocTTL    time.Duration
	FactTTL   time.Duration
	SearchTTL time.Duration
	PageTTL   time.Duration
}

// RetrieverDeps wires the driven adapters the retriever coordinates. Facts, Chat, Filter and
// Summarizer may be nil; the matching features are then skipped.
type RetrieverDeps struct {
	Sources    *source.Registry
	Facts      ports.FactSource
	Cache      ports.CacheStore
	Chat       ports.ChatHistory
	Filter     ports.Filter
	Summarizer ports.Summarizer
	Logger     *slog.Logger
}

// Retriever resolves a KnowledgeRequest into an ordered knowledge bundle.
type Retriever struct {
	cfg        RetrieverConfig
	sources    *source.Registry
	facts      ports.FactSource
	cache      ports.CacheStore
	chat       ports.ChatHistory
	filter     ports.Filter
	summarizer ports.Summarizer
	logger     *slog.Logger
	now        func() time.Time

	inflight singleflight.Group
	mu       sync.Mutex
	shared   map[string]*sharedCall
}

// sharedCall is the context a merged resolution runs under. It outlives any single caller
// and is cancelled once every caller waiting on the key has gone.
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewRetriever constructs the orchestrator.
func NewRetriever(cfg RetrieverConfig, deps RetrieverDeps) *Retriever {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 5
	}
	sources := deps.Sources
	if sources == nil {
		sources = source.NewRegistry()
	}
	return &Retriever{
		cfg:        cfg,
		sources:    sources,
		facts:      deps.Facts,
		cache:      deps.Cache,
		chat:       deps.Chat,
		filter:     deps.Filter,
		summarizer: deps.Summarizer,
		logger:     deps.Logger,
		now:        time.Now,
		shared:     map[string]*sharedCall{},
	}
}

type unitKind int

const (
	unitDoc unitKind = iota
	unitFact
	unitChat
)

// unit is one resolution unit with its slot in the bundle.
type unit struct {
	slot    int
	kind    unitKind
	key     string
	subject string
	source  domain.SourceTag
	doc     domain.DocRequest
	fact    domain.FactQuery
	chat    domain.ChatParameters
}

// unitError records which stage a unit failed in.
type unitError struct {
	stage string
	err   error
}

func (e *unitError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *unitError) Unwrap() error { return e.err }

func failed(stage string, err error) error {
	var ue *unitError
	if errors.As(err, &ue) {
		return err
	}
	return &unitError{stage: stage, err: err}
}

// Retrieve resolves every unit of req concurrently and returns the items in request order:
// docs in classifier order, then facts. Unit failures are logged and leave no item. Only a
// configuration fault or cancellation of ctx fails the call.
func (r *Retriever) Retrieve(ctx context.Context, req domain.KnowledgeRequest, dialogue string) ([]domain.KnowledgeItem, error) {
	units := r.plan(ctx, req)
	if len(units) == 0 {
		return nil, nil
	}

	turn := turnID(ctx)
	slots := make([]*domain.KnowledgeItem, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxInFlight)
	for i := range units {
		u := units[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			item, err := r.resolveShared(gctx, u, dialogue)
			if err != nil {
				if errors.Is(err, domain.ErrConfiguration) {
					return err
				}
				if gctx.Err() == nil {
					r.warn("knowledge unit failed", unitAttrs(turn, u, err)...)
				}
				return nil
			}
			slots[u.slot] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bundle := make([]domain.KnowledgeItem, 0, len(slots))
	for _, item := range slots {
		if item != nil {
			bundle = append(bundle, *item)
		}
	}
	r.debug("bundle assembled", "turn", turn, "units", len(units), "items", len(bundle))
	return bundle, nil
}

// plan turns the request into units, merging those with an equal key into the first one.
func (r *Retriever) plan(ctx context.Context, req domain.KnowledgeRequest) []unit {
	seen := map[string]struct{}{}
	var units []unit
	add := func(u unit) {
		if _, dup := seen[u.key]; dup {
			r.debug("duplicate unit merged", "turn", turnID(ctx), "subject", u.subject, "key", u.key)
			return
		}
		seen[u.key] = struct{}{}
		u.slot = len(units)
		units = append(units, u)
	}

	for _, doc := range req.RequiredDocs {
		if doc.Source == domain.SourceChatHistory {
			params := r.chatParameters(req.Parameters)
			add(unit{
				kind:    unitChat,
				key:     chatKey(params).String(),
				subject: doc.Entity,
				source:  domain.SourceChatHistory,
				doc:     doc,
				chat:    params,
			})
			continue
		}
		add(unit{
			kind:    unitDoc,
			key:     domain.NewCacheKey(domain.CacheDoc, doc.Source, doc.Entity).String(),
			subject: doc.Entity,
			source:  doc.Source,
			doc:     doc,
		})
	}

	for _, raw := range req.RequiredFacts {
		q, err := domain.ParseFactQuery(raw)
		if err != nil {
			r.debug("fact query dropped", "turn", turnID(ctx), "query", raw, "error", err)
			continue
		}
		add(unit{
			kind:    unitFact,
			key:     q.CacheKey().String(),
			subject: raw,
			source:  domain.SourceWikidata,
			fact:    q,
		})
	}
	return units
}

func (r *Retriever) chatParameters(p *domain.ChatParameters) domain.ChatParameters {
	if p == nil {
		return domain.ChatParameters{MessageCount: r.cfg.DefaultMessageCount}
	}
	params := *p
	switch {
	case params.MessageCount > 0:
		params.TimeRangeHours = 0
	case params.TimeRangeHours <= 0:
		params.MessageCount = r.cfg.DefaultMessageCount
	}
	return params
}

func chatKey(p domain.ChatParameters) domain.CacheKey {
	return domain.NewCacheKey(domain.CacheChat, domain.SourceChatHistory, "",
		"count="+strconv.Itoa(p.MessageCount),
		"hours="+strconv.FormatFloat(p.TimeRangeHours, 'f', -1, 64),
		"summarize="+strconv.FormatBool(p.Summarize))
}

// resolveShared merges concurrent resolutions of the same key across Retrieve calls. The
// merged work is not tied to the caller that started it: a caller whose ctx ends stops
// waiting, and the work is cancelled only when no caller is left.
func (r *Retriever) resolveShared(ctx context.Context, u unit, dialogue string) (*domain.KnowledgeItem, error) {
	call := r.join(ctx, u.key)
	defer r.leave(u.key, call)

	ch := r.inflight.DoChan(u.key, func() (interface{}, error) {
		return r.resolve(call.ctx, u, dialogue)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	item, _ := res.Val.(*domain.KnowledgeItem)
	if item == nil {
		return nil, nil
	}
	out := *item
	return &out, nil
}

func (r *Retriever) join(ctx context.Context, key string) *sharedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.shared[key]
	if !ok {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &sharedCall{ctx: callCtx, cancel: cancel}
		r.shared[key] = call
	}
	call.waiters++
	return call
}

func (r *Retriever) leave(key string, call *sharedCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call.waiters--
	if call.waiters > 0 {
		return
	}
	call.cancel()
	if r.shared[key] == call {
		delete(r.shared, key)
	}
	// A flight still running on the cancelled context must not be joined by later callers.
	r.inflight.Forget(key)
}

func (r *Retriever) resolve(ctx context.Context, u unit, dialogue string) (*domain.KnowledgeItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch u.kind {
	case unitFact:
		return r.resolveFact(ctx, u)
	case unitChat:
		return r.resolveChat(ctx, u, dialogue)
	default:
		return r.resolveDoc(ctx, u, dialogue)
	}
}

func (r *Retriever) resolveDoc(ctx context.Context, u unit, dialogue string) (*domain.KnowledgeItem, error) {
	key := domain.NewCacheKey(domain.CacheDoc, u.doc.Source, u.doc.Entity)
	var cached domain.KnowledgeItem
	if r.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	candidates, err := r.collectCandidates(ctx, u.doc)
	if err != nil {
		return nil, failed(stageSearch, err)
	}
	if len(candidates) == 0 {
		r.debug("no candidates", "subject", u.subject, "source", u.source)
		return nil, nil
	}

	chosen, ok, err := r.choose(ctx, u.doc, dialogue, candidates)
	if err != nil {
		return nil, failed(stageFilter, err)
	}
	if !ok {
		r.debug("filter declined every candidate", "subject", u.subject, "candidates", len(candidates))
		return nil, nil
	}

	page, err := r.fetchPage(ctx, chosen)
	if err != nil {
		return nil, failed(stageFetch, err)
	}

	text := wikitext.Clean(page.RawMarkup)
	if text == "" {
		return nil, nil
	}
	if r.cfg.DocSummaries && r.summarizer != nil && exceeds(text, r.cfg.DocThreshold) {
		text, err = r.summarizer.SummarizeDoc(ctx, dialogue, u.doc.Entity, text)
		if err != nil {
			return nil, failed(stageSummarize, err)
		}
	}

	item := &domain.KnowledgeItem{
		Subject:    u.doc.Entity,
		Kind:       domain.KindDocSummary,
		Text:       text,
		Source:     chosen.Source,
		SourceURL:  page.SourceURL,
		ProducedAt: r.now(),
	}
	r.cachePut(ctx, key, item, r.cfg.DocTTL)
	return item, nil
}

// collectCandidates searches the preferred source and then the fallback order. Unless
// cross-source collection is on, it stops at the first source with results. A source error
// is only returned when no source produced candidates.
func (r *Retriever) collectCandidates(ctx context.Context, doc domain.DocRequest) ([]domain.SearchResult, error) {
	var (
		candidates []domain.SearchResult
		firstErr   error
	)
	for _, tag := range r.sources.SearchOrder(doc.Source) {
		results, err := r.search(ctx, tag, doc.Entity)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.debug("source search failed", "subject", doc.Entity, "source", tag, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		candidates = append(candidates, results...)
		if len(candidates) > 0 && !r.cfg.CrossSourceCandidates {
			break
		}
	}
	if len(candidates) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candidates, nil
}

func (r *Retriever) search(ctx context.Context, tag domain.SourceTag, query string) ([]domain.SearchResult, error) {
	key := domain.NewCacheKey(domain.CacheSearch, tag, query, strconv.Itoa(r.cfg.MaxSearchResults))
	var cached []domain.SearchResult
	if r.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	src, err := r.sources.Resolve(tag)
	if err != nil {
		return nil, err
	}
	results, err := src.Search(ctx, query, r.cfg.MaxSearchResults)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		r.cachePut(ctx, key, results, r.cfg.SearchTTL)
	}
	return results, nil
}

// choose picks the page to fetch. ok=false means the filter rejected every candidate.
func (r *Retriever) choose(ctx context.Context, doc domain.DocRequest, dialogue string, candidates []domain.SearchResult) (domain.SearchResult, bool, error) {
	if len(candidates) == 1 {
		return candidates[0], true, nil
	}
	if r.cfg.PreferExactTitle {
		want := domain.NormalizeSubject(doc.Entity)
		for _, c := range candidates {
			if domain.NormalizeSubject(c.Title) == want {
				return c, true, nil
			}
		}
	}
	if !r.cfg.FilterEnabled || r.filter == nil {
		return bestCandidate(candidates, doc.Source), true, nil
	}

	choice, ok, err := r.filter.Select(ctx, dialogue, doc.Entity, candidates)
	if errors.Is(err, domain.ErrFilterMismatch) {
		fallback := bestCandidate(candidates, doc.Source)
		r.debug("filter mismatch, using top candidate", "subject", doc.Entity, "title", fallback.Title, "source", fallback.Source, "error", err)
		return fallback, true, nil
	}
	if err != nil {
		return domain.SearchResult{}, false, err
	}
	return choice, ok, nil
}

// bestCandidate returns the highest-scored candidate of the preferred source, or of the first
// source that produced candidates when the preferred one has none. Ties keep search order.
func bestCandidate(candidates []domain.SearchResult, preferred domain.SourceTag) domain.SearchResult {
	tag := candidates[0].Source
	for _, c := range candidates {
		if c.Source == preferred {
			tag = preferred
			break
		}
	}
	var (
		best  domain.SearchResult
		found bool
	)
	for _, c := range candidates {
		if c.Source != tag {
			continue
		}
		if !found || c.Score > best.Score {
			best, found = c, true
		}
	}
	return best
}

func (r *Retriever) fetchPage(ctx context.Context, chosen domain.SearchResult) (domain.PageContent, error) {
	key := domain.NewCacheKey(domain.CachePage, chosen.Source, chosen.Title)
	var page domain.PageContent
	if r.cacheGet(ctx, key, &page) {
		return page, nil
	}

	src, err := r.sources.Resolve(chosen.Source)
	if err != nil {
		return domain.PageContent{}, err
	}
	page, err = src.FetchPage(ctx, chosen.Title)
	if err != nil {
		return domain.PageContent{}, err
	}
	r.cachePut(ctx, key, page, r.cfg.PageTTL)
	return page, nil
}

func (r *Retriever) resolveFact(ctx context.Context, u unit) (*domain.KnowledgeItem, error) {
	if r.facts == nil {
		return nil, nil
	}
	key := u.fact.CacheKey()
	var cached domain.KnowledgeItem
	if r.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	value, ok, err := r.facts.FetchFact(ctx, u.fact.Subject, u.fact.Property, u.fact.Disambiguators)
	if err != nil {
		return nil, failed(stageFact, err)
	}
	if !ok {
		r.debug("fact not found", "subject", u.fact.Subject, "property", u.fact.Property)
		return nil, nil
	}

	item := &domain.KnowledgeItem{
		Subject:    u.subject,
		Kind:       domain.KindFact,
		Text:       fmt.Sprintf("%s %s: %s", u.fact.Subject, u.fact.Property, value),
		Source:     domain.SourceWikidata,
		ProducedAt: r.now(),
	}
	r.cachePut(ctx, key, item, r.cfg.FactTTL)
	return item, nil
}

// resolveChat is never cached: each turn reads the collaborator afresh.
func (r *Retriever) resolveChat(ctx context.Context, u unit, dialogue string) (*domain.KnowledgeItem, error) {
	if r.chat == nil {
		return nil, nil
	}
	window := domain.ChatWindow{Count: u.chat.MessageCount}
	if window.Count <= 0 {
		window = domain.ChatWindow{Hours: u.chat.TimeRangeHours}
	}
	messages, err := r.chat.Fetch(ctx, window)
	if err != nil {
		return nil, failed(stageChat, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	text := RenderTranscript(messages)
	if u.chat.Summarize && r.cfg.ChatSummaries && r.summarizer != nil && exceeds(text, r.cfg.ChatThreshold) {
		text, err = r.summarizeChat(ctx, dialogue, u.subject, messages)
		if err != nil {
			return nil, failed(stageSummarize, err)
		}
	}

	return &domain.KnowledgeItem{
		Subject:    u.subject,
		Kind:       domain.KindChatSummary,
		Text:       text,
		Source:     domain.SourceChatHistory,
		ProducedAt: r.now(),
	}, nil
}

// summarizeChat summarizes the transcript chunk by chunk and re-summarizes the joined result
// once if it is still over the chunk budget.
func (r *Retriever) summarizeChat(ctx context.Context, dialogue, topic string, messages []domain.ChatMessage) (string, error) {
	chunks := ChunkTranscript(messages, r.cfg.ChatChunkBudget)
	if len(chunks) == 1 {
		return r.summarizer.SummarizeChat(ctx, dialogue, topic, chunks[0])
	}

	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		part, err := r.summarizer.SummarizeChat(ctx, dialogue, topic, chunk)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	joined := joinParagraphs(parts)
	if r.cfg.ChatChunkBudget > 0 && exceeds(joined, r.cfg.ChatChunkBudget) {
		return r.summarizer.SummarizeChat(ctx, dialogue, topic, joined)
	}
	return joined, nil
}

// cacheGet decodes a fresh entry into v. Read failures and values that no longer decode are
// treated as misses.
func (r *Retriever) cacheGet(ctx context.Context, key domain.CacheKey, v any) bool {
	if r.cache == nil {
		return false
	}
	entry, ok, err := r.cache.Get(ctx, key.Hash())
	if err != nil {
		r.warn("cache read failed", "key", key.String(), "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		r.debug("cache entry undecodable", "key", key.String(), "error", err)
		return false
	}
	return true
}

// cachePut is best effort; a failed write only costs a refetch later.
func (r *Retriever) cachePut(ctx context.Context, key domain.CacheKey, v any, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		r.warn("cache encode failed", "key", key.String(), "error", err)
		return
	}
	if err := r.cache.Put(ctx, key.Hash(), raw, ttl); err != nil {
		r.warn("cache write failed", "key", key.String(), "error", err)
	}
}

// exceeds reports whether text is strictly longer than threshold runes.
func exceeds(text string, threshold int) bool {
	return utf8.RuneCountInString(text) > threshold
}

func unitAttrs(turn string, u unit, err error) []interface{} {
	stage := "resolve"
	var ue *unitError
	if errors.As(err, &ue) {
		stage = ue.stage
	}
	return []interface{}{"turn", turn, "unit", u.slot, "subject", u.subject, "source", u.source, "stage", stage, "error", err}
}

type turnKey struct{}

// WithTurnID tags ctx with a correlation id used in every log line of one turn.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnKey{}, id)
}

func turnID(ctx context.Context) string {
	if id, ok := ctx.Value(turnKey{}).(string); ok {
		return id
	}
	return ""
}

// NewTurnID returns a fresh correlation id.
func NewTurnID() string {
	return uuid.NewString()
}

func (r *Retriever) debug(msg string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

func (r *Retriever) warn(msg string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
