// Package wiki implements MediaWiki-backed knowledge sources.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"KnowledgeScout/internal/domain"
)

const defaultUserAgent = "KnowledgeScout/1.0"

// ClientConfig holds the transport settings shared by every MediaWiki client.
type ClientConfig struct {
	Endpoint          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryOnce         bool
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client performs rate-limited GET requests against one MediaWiki host.
type Client struct {
	endpoint  string
	userAgent string
	timeout   time.Duration
	retryOnce bool
	limiter   *rate.Limiter
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a reusable HTTP client; the zero timeout defaults to 10s.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		endpoint:  cfg.Endpoint,
		userAgent: userAgent,
		timeout:   timeout,
		retryOnce: cfg.RetryOnce,
		limiter:   rate.NewLimiter(limit, 1),
		http:      httpClient,
		logger:    cfg.Logger,
	}
}

// Endpoint returns the api.php URL the client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// Query calls api.php with params and decodes the JSON answer into v. API errors for missing
// pages map to ErrPageNotFound, anything else to ErrSourceUnavailable.
func (c *Client) Query(ctx context.Context, params url.Values, v any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")

	body, err := c.get(ctx, c.endpoint+"?"+params.Encode())
	if err != nil {
		return err
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrSourceUnavailable, err)
	}
	if envelope.Error != nil {
		switch envelope.Error.Code {
		case "missingtitle", "invalidtitle", "nosuchpageid":
			return fmt.Errorf("%w: %s", domain.ErrPageNotFound, envelope.Error.Info)
		default:
			return fmt.Errorf("%w: api error %s: %s", domain.ErrSourceUnavailable, envelope.Error.Code, envelope.Error.Info)
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrSourceUnavailable, err)
	}
	return nil
}

// get fetches rawURL under the per-call timeout, retrying once on transient failures if enabled.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attempts := 1
	if c.retryOnce {
		attempts = 2
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, retryable, err := c.fetch(callCtx, rawURL)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request timed out after %s", domain.ErrSourceUnavailable, c.timeout)
		}
		lastErr = err
		if !retryable {
			break
		}
		c.debug("retrying request", "url", rawURL, "error", err)
	}
	return nil, lastErr
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("%w: rate limit: %v", domain.ErrSourceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: do request: %v", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: %s", domain.ErrPageNotFound, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: unexpected status %s", domain.ErrSourceUnavailable, resp.Status)
	default:
		return nil, false, fmt.Errorf("%w: unexpected status %s", domain.ErrSourceUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: read body: %v", domain.ErrSourceUnavailable, err)
	}
	return body, false, nil
}

type searchResponse struct {
	Query struct {
		Search []struct {
			PageID  int64  `json:"pageid"`
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

// search runs list=search; scores descend with rank so the first hit scores highest.
func (c *Client) search(ctx context.Context, tag domain.SourceTag, query string, limit int, pageURL func(pageID int64) string) ([]domain.SearchResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", query)
	params.Set("srlimit", fmt.Sprint(limit))
	params.Set("srprop", "snippet")

	var resp searchResponse
	if err := c.Query(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("search %s: %w", tag, err)
	}

	hits := resp.Query.Search
	if len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]domain.SearchResult, 0, len(hits))
	for i, hit := range hits {
		results = append(results, domain.SearchResult{
			Title:   hit.Title,
			Snippet: stripHTML(hit.Snippet),
			Source:  tag,
			Score:   float64(len(hits) - i),
			URL:     pageURL(hit.PageID),
		})
	}
	return results, nil
}

// stripHTML drops the highlight markup MediaWiki puts into snippets.
func stripHTML(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func (c *Client) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
