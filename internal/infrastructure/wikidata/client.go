// Package wikidata answers structured fact lookups against the Wikidata API.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"KnowledgeScout/internal/infrastructure/wiki"
	"KnowledgeScout/internal/ports"
)

// typeWords pick a plausible entity when no disambiguator matches a description.
var typeWords = []string{
	"person", "event", "dynasty", "film", "city", "company", "mammal",
	"work", "organization", "place", "species",
}

const (
	entitySearchLimit   = 10
	propertySearchLimit = 3
	labelBatchSize      = 50
)

// Client resolves subject/property pairs to formatted claim values.
type Client struct {
	api    *wiki.Client
	labels *lru.Cache[string, string]
	logger *slog.Logger
}

var _ ports.FactSource = (*Client)(nil)

// NewClient wraps a MediaWiki client pointed at the Wikidata api.php. labelCacheSize bounds
// the QID to label cache.
func NewClient(api *wiki.Client, labelCacheSize int, log *slog.Logger) (*Client, error) {
	if labelCacheSize <= 0 {
		labelCacheSize = 4096
	}
	labels, err := lru.New[string, string](labelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create label cache: %w", err)
	}
	return &Client{api: api, labels: labels, logger: log}, nil
}

type searchHit struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type snak struct {
	SnakType  string `json:"snaktype"`
	DataValue *struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"datavalue"`
}

type entity struct {
	Labels map[string]struct {
		Value string `json:"value"`
	} `json:"labels"`
	Claims map[string][]struct {
		MainSnak snak `json:"mainsnak"`
	} `json:"claims"`
}

// FetchFact looks up one property of subject. Absence of the entity, the property or a claim
// is reported as ok=false without an error.
func (c *Client) FetchFact(ctx context.Context, subject, property string, disambiguators []string) (string, bool, error) {
	hit, ok, err := c.searchEntity(ctx, subject, disambiguators)
	if err != nil || !ok {
		return "", false, err
	}

	pid, ok, err := c.searchProperty(ctx, property)
	if err != nil || !ok {
		return "", false, err
	}

	entities, err := c.getEntities(ctx, []string{hit.ID}, "claims|labels")
	if err != nil {
		return "", false, err
	}
	claims := entities[hit.ID].Claims[pid]
	if len(claims) == 0 {
		c.debug("no claim", "entity", hit.ID, "property", pid)
		return "", false, nil
	}

	values := make([]value, 0, len(claims))
	var pending []string
	for _, claim := range claims {
		v, ok := parseSnak(claim.MainSnak)
		if !ok {
			continue
		}
		values = append(values, v)
		pending = append(pending, v.refs()...)
	}
	if err := c.resolveLabels(ctx, pending); err != nil {
		return "", false, err
	}

	formatted := make([]string, 0, len(values))
	for _, v := range values {
		if s := v.format(c.label); s != "" {
			formatted = append(formatted, s)
		}
	}
	if len(formatted) == 0 {
		return "", false, nil
	}
	return strings.Join(formatted, ", "), true, nil
}

// searchEntity scores candidates by how many disambiguators their description contains.
func (c *Client) searchEntity(ctx context.Context, subject string, disambiguators []string) (searchHit, bool, error) {
	hits, err := c.search(ctx, subject, "item", entitySearchLimit)
	if err != nil {
		return searchHit{}, false, fmt.Errorf("search entity %q: %w", subject, err)
	}
	if len(hits) == 0 {
		return searchHit{}, false, nil
	}
	return pickEntity(hits, disambiguators), true, nil
}

func pickEntity(hits []searchHit, disambiguators []string) searchHit {
	hints := make([]string, 0, len(disambiguators))
	for _, d := range disambiguators {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			hints = append(hints, d)
		}
	}

	bestScore, best := 0, -1
	for i, hit := range hits {
		desc := strings.ToLower(hit.Description)
		score := 0
		for _, hint := range hints {
			if strings.Contains(desc, hint) {
				score++
			}
		}
		if score > bestScore {
			bestScore, best = score, i
		}
	}
	if best >= 0 {
		return hits[best]
	}

	for _, hit := range hits {
		desc := strings.ToLower(hit.Description)
		for _, word := range typeWords {
			if strings.Contains(desc, word) {
				return hit
			}
		}
	}
	return hits[0]
}

func (c *Client) searchProperty(ctx context.Context, property string) (string, bool, error) {
	hits, err := c.search(ctx, property, "property", propertySearchLimit)
	if err != nil {
		return "", false, fmt.Errorf("search property %q: %w", property, err)
	}
	if len(hits) == 0 {
		return "", false, nil
	}
	return hits[0].ID, true, nil
}

func (c *Client) search(ctx context.Context, text, kind string, limit int) ([]searchHit, error) {
	params := url.Values{}
	params.Set("action", "wbsearchentities")
	params.Set("search", text)
	params.Set("language", "zh")
	params.Set("uselang", "en")
	params.Set("type", kind)
	params.Set("limit", fmt.Sprint(limit))

	var resp struct {
		Search []searchHit `json:"search"`
	}
	if err := c.api.Query(ctx, params, &resp); err != nil {
		return nil, err
	}
	return resp.Search, nil
}

func (c *Client) getEntities(ctx context.Context, ids []string, props string) (map[string]entity, error) {
	params := url.Values{}
	params.Set("action", "wbgetentities")
	params.Set("ids", strings.Join(ids, "|"))
	params.Set("props", props)
	params.Set("languages", "zh|en")

	var resp struct {
		Entities map[string]entity `json:"entities"`
	}
	if err := c.api.Query(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	return resp.Entities, nil
}

// resolveLabels fetches labels for the ids missing from the cache in batches.
func (c *Client) resolveLabels(ctx context.Context, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	var missing []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if !c.labels.Contains(id) {
			missing = append(missing, id)
		}
	}

	for start := 0; start < len(missing); start += labelBatchSize {
		end := min(start+labelBatchSize, len(missing))
		entities, err := c.getEntities(ctx, missing[start:end], "labels")
		if err != nil {
			return err
		}
		for id, e := range entities {
			c.labels.Add(id, preferredLabel(e, id))
		}
	}
	return nil
}

func (c *Client) label(id string) string {
	if label, ok := c.labels.Get(id); ok {
		return label
	}
	return id
}

func preferredLabel(e entity, fallback string) string {
	for _, lang := range []string{"zh", "en"} {
		if l, ok := e.Labels[lang]; ok && l.Value != "" {
			return l.Value
		}
	}
	return fallback
}

func (c *Client) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
