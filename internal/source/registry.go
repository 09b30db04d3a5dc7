// Package source keeps the enabled knowledge sources and their fallback order.
package source

import (
	"fmt"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// FallbackOrder is consulted after the preferred source when collecting candidates.
var FallbackOrder = []domain.SourceTag{domain.SourceWikipedia, domain.SourceMoegirl}

// Registry keeps a mapping from source tags to enabled implementations.
type Registry struct {
	sources map[domain.SourceTag]ports.KnowledgeSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[domain.SourceTag]ports.KnowledgeSource{}}
}

// Register adds or replaces a source implementation.
func (r *Registry) Register(src ports.KnowledgeSource) {
	if r.sources == nil {
		r.sources = map[domain.SourceTag]ports.KnowledgeSource{}
	}
	r.sources[src.Tag()] = src
}

// Resolve returns a source by tag or an error if it is absent or disabled.
func (r *Registry) Resolve(tag domain.SourceTag) (ports.KnowledgeSource, error) {
	if src, ok := r.sources[tag]; ok {
		return src, nil
	}
	return nil, fmt.Errorf("source %s is not registered", tag)
}

// Enabled reports whether tag has a registered implementation.
func (r *Registry) Enabled(tag domain.SourceTag) bool {
	_, ok := r.sources[tag]
	return ok
}

// Len is the number of registered sources.
func (r *Registry) Len() int {
	return len(r.sources)
}

// SearchOrder lists the registered sources to try for a doc request: the preferred source
// first, then the fallback order without repeats.
func (r *Registry) SearchOrder(preferred domain.SourceTag) []domain.SourceTag {
	order := make([]domain.SourceTag, 0, len(FallbackOrder)+1)
	if r.Enabled(preferred) {
		order = append(order, preferred)
	}
	for _, tag := range FallbackOrder {
		if tag != preferred && r.Enabled(tag) {
			order = append(order, tag)
		}
	}
	return order
}
