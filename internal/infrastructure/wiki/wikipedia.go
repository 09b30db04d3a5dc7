package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// Wikipedia searches a Wikipedia language edition and fetches raw wikitext.
type Wikipedia struct {
	client *Client
	site   string
	now    func() time.Time
}

var _ ports.KnowledgeSource = (*Wikipedia)(nil)

// NewWikipedia wraps a client whose endpoint is the edition's api.php.
func NewWikipedia(client *Client) *Wikipedia {
	return &Wikipedia{client: client, site: siteRoot(client.Endpoint()), now: time.Now}
}

// Tag identifies the source inside the registry.
func (w *Wikipedia) Tag() domain.SourceTag {
	return domain.SourceWikipedia
}

// Search returns up to limit candidates ordered by relevance.
func (w *Wikipedia) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	return w.client.search(ctx, domain.SourceWikipedia, query, limit, func(pageID int64) string {
		return fmt.Sprintf("%s/?curid=%d", w.site, pageID)
	})
}

// FetchPage returns the page wikitext, following redirects.
func (w *Wikipedia) FetchPage(ctx context.Context, title string) (domain.PageContent, error) {
	params := url.Values{}
	params.Set("action", "parse")
	params.Set("page", title)
	params.Set("prop", "wikitext")
	params.Set("redirects", "1")

	var resp struct {
		Parse struct {
			Title    string `json:"title"`
			Wikitext string `json:"wikitext"`
		} `json:"parse"`
	}
	if err := w.client.Query(ctx, params, &resp); err != nil {
		return domain.PageContent{}, fmt.Errorf("fetch wikipedia page %q: %w", title, err)
	}
	if resp.Parse.Title == "" {
		return domain.PageContent{}, fmt.Errorf("fetch wikipedia page %q: %w", title, domain.ErrPageNotFound)
	}

	return domain.PageContent{
		Title:     resp.Parse.Title,
		RawMarkup: resp.Parse.Wikitext,
		SourceURL: w.site + "/wiki/" + escapeTitle(resp.Parse.Title),
		FetchedAt: w.now().UTC(),
	}, nil
}

// siteRoot turns https://host/w/api.php into https://host.
func siteRoot(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return strings.TrimSuffix(endpoint, "/")
	}
	return parsed.Scheme + "://" + parsed.Host
}

func escapeTitle(title string) string {
	return url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}
