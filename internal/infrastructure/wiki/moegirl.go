package wiki

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// noiseSelectors are removed from a rendered page before its text is taken.
const noiseSelectors = ".navbox, .editsection, .mw-editsection, #siteSub, #jump-to-nav, .mw-jump-link, #toc, .toc, .reference, .mw-references-wrap, script, style"

// blockSelectors are emitted on their own lines so paragraph structure survives extraction.
const blockSelectors = "p, li, dd, dt, h1, h2, h3, h4, h5, h6, blockquote, pre"

// Moegirl searches Moegirlpedia and extracts text from rendered pages.
type Moegirl struct {
	client *Client
	base   string
	now    func() time.Time
}

var _ ports.KnowledgeSource = (*Moegirl)(nil)

// NewMoegirl wraps a client whose endpoint is https://<host>/api.php.
func NewMoegirl(client *Client) *Moegirl {
	return &Moegirl{
		client: client,
		base:   strings.TrimSuffix(client.Endpoint(), "api.php"),
		now:    time.Now,
	}
}

// Tag identifies the source inside the registry.
func (m *Moegirl) Tag() domain.SourceTag {
	return domain.SourceMoegirl
}

// Search returns up to limit candidates ordered by relevance.
func (m *Moegirl) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	return m.client.search(ctx, domain.SourceMoegirl, query, limit, func(pageID int64) string {
		return fmt.Sprintf("%sindex.php?curid=%d", m.base, pageID)
	})
}

// FetchPage downloads the rendered article and reduces it to text, one block per line.
func (m *Moegirl) FetchPage(ctx context.Context, title string) (domain.PageContent, error) {
	pageURL := m.base + escapeTitle(title)

	body, err := m.client.get(ctx, pageURL)
	if err != nil {
		return domain.PageContent{}, fmt.Errorf("fetch moegirl page %q: %w", title, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.PageContent{}, fmt.Errorf("fetch moegirl page %q: %w: parse document: %v", title, domain.ErrSourceUnavailable, err)
	}

	return domain.PageContent{
		Title:     pageTitle(doc, title),
		RawMarkup: extractText(doc),
		SourceURL: pageURL,
		FetchedAt: m.now().UTC(),
	}, nil
}

func pageTitle(doc *goquery.Document, fallback string) string {
	if heading := strings.TrimSpace(doc.Find("#firstHeading").First().Text()); heading != "" {
		return heading
	}
	return fallback
}

func extractText(doc *goquery.Document) string {
	doc.Find(noiseSelectors).Remove()

	content := doc.Find("#mw-content-text .mw-parser-output").First()
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}

	var lines []string
	content.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelectors).Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		return strings.TrimSpace(content.Text())
	}
	return strings.Join(lines, "\n")
}
