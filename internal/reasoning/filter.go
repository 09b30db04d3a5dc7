package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// Filter asks the filter model to pick one candidate page, or none.
type Filter struct {
	stage  *Stage
	logger *slog.Logger
}

var _ ports.Filter = (*Filter)(nil)

// NewFilter wires the filter stage.
func NewFilter(stage *Stage, log *slog.Logger) *Filter {
	return &Filter{stage: stage, logger: log}
}

type candidateView struct {
	Index   int              `json:"index"`
	Title   string           `json:"title"`
	Source  domain.SourceTag `json:"source"`
	Snippet string           `json:"snippet"`
}

type filterAnswer struct {
	SelectedTitle  *string `json:"selected_title"`
	SelectedSource string  `json:"selected_source"`
}

// Select returns ok=false when the model declines every candidate and ErrFilterMismatch when
// its choice cannot be matched to exactly one candidate.
func (f *Filter) Select(ctx context.Context, dialogue, entity string, candidates []domain.SearchResult) (domain.SearchResult, bool, error) {
	if len(candidates) == 0 {
		return domain.SearchResult{}, false, nil
	}

	views := make([]candidateView, 0, len(candidates))
	for i, c := range candidates {
		views = append(views, candidateView{Index: i, Title: c.Title, Source: c.Source, Snippet: c.Snippet})
	}
	rendered, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return domain.SearchResult{}, false, fmt.Errorf("render candidates: %w", err)
	}

	answer, err := f.stage.Invoke(ctx, map[string]string{
		"dialogue":   dialogue,
		"entity":     entity,
		"candidates": string(rendered),
	})
	if err != nil {
		return domain.SearchResult{}, false, err
	}

	choice, ok, err := matchChoice(answer, candidates)
	if err != nil {
		f.debug("filter answer rejected", "entity", entity, "error", err)
		return domain.SearchResult{}, false, err
	}
	return choice, ok, nil
}

// matchChoice resolves a filter answer against candidates. The answer must name a title and
// source pair that exists verbatim among the candidates.
func matchChoice(answer string, candidates []domain.SearchResult) (domain.SearchResult, bool, error) {
	raw, err := ExtractObject(answer, "selected_title")
	if err != nil {
		return domain.SearchResult{}, false, fmt.Errorf("%w: %v", domain.ErrFilterMismatch, err)
	}

	var fa filterAnswer
	if err := json.Unmarshal(raw, &fa); err != nil {
		return domain.SearchResult{}, false, fmt.Errorf("%w: decode answer: %v", domain.ErrFilterMismatch, err)
	}
	if fa.SelectedTitle == nil || *fa.SelectedTitle == "" {
		return domain.SearchResult{}, false, nil
	}

	title, source := *fa.SelectedTitle, domain.SourceTag(fa.SelectedSource)
	if source == "" {
		return domain.SearchResult{}, false, fmt.Errorf("%w: %q has no source", domain.ErrFilterMismatch, title)
	}
	for _, c := range candidates {
		if c.Title == title && c.Source == source {
			return c, true, nil
		}
	}
	return domain.SearchResult{}, false, fmt.Errorf("%w: %q from %q is not a candidate", domain.ErrFilterMismatch, title, source)
}

func (f *Filter) debug(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
