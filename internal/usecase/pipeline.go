package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
	"KnowledgeScout/internal/reasoning"
)

// Binding is a role-to-model binding that can be checked before a turn runs.
type Binding interface {
	Validate() error
}

// KnowledgeRetriever resolves a classified request into a bundle.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, req domain.KnowledgeRequest, dialogue string) ([]domain.KnowledgeItem, error)
}

// Gate decides from keywords whether a turn is worth classifying at all.
type Gate struct {
	Blacklist        []string
	WhitelistEnabled bool
	Whitelist        []string
}

// Allows reports whether text passes the gate. A blacklisted keyword always blocks; with the
// whitelist enabled at least one whitelisted keyword must appear.
func (g Gate) Allows(text string) bool {
	for _, kw := range g.Blacklist {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(text, kw) {
			return false
		}
	}
	if !g.WhitelistEnabled {
		return true
	}
	for _, kw := range g.Whitelist {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Classifier     ports.Classifier
	Retriever      KnowledgeRetriever
	Bindings       []Binding
	Gate           Gate
	DialogueBudget int
	Logger         *slog.Logger
}

// Pipeline implements the per-turn knowledge workflow: gate, classify, retrieve.
type Pipeline struct {
	classifier     ports.Classifier
	retriever      KnowledgeRetriever
	bindings       []Binding
	gate           Gate
	dialogueBudget int
	logger         *slog.Logger
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		classifier:     deps.Classifier,
		retriever:      deps.Retriever,
		bindings:       deps.Bindings,
		gate:           deps.Gate,
		dialogueBudget: deps.DialogueBudget,
		logger:         deps.Logger,
	}
}

// Resolve returns the knowledge bundle for the current turn. Absence of knowledge, malformed
// classifier output and unit failures all yield a (possibly empty) bundle; errors are returned
// only for configuration faults, a classifier that cannot be invoked, or cancellation.
func (p *Pipeline) Resolve(ctx context.Context, history []domain.DialogueTurn, current string) ([]domain.KnowledgeItem, error) {
	if p.classifier == nil || p.retriever == nil {
		return nil, fmt.Errorf("%w: pipeline is missing its classifier or retriever", domain.ErrConfiguration)
	}
	for _, b := range p.bindings {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	turn := NewTurnID()
	ctx = WithTurnID(ctx, turn)

	if !p.gate.Allows(current) {
		p.debug("turn gated", "turn", turn)
		return nil, nil
	}

	req, err := p.classifier.Classify(ctx, history, current)
	if errors.Is(err, domain.ErrMalformedClassification) {
		p.warn("classification unusable, continuing without knowledge", "turn", turn, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("classify turn: %w", err)
	}
	if req.Empty() {
		p.debug("no knowledge needed", "turn", turn)
		return nil, nil
	}
	p.info("knowledge requested", "turn", turn, "docs", len(req.RequiredDocs), "facts", len(req.RequiredFacts))

	dialogue := reasoning.Window(history, current, p.dialogueBudget)
	bundle, err := p.retriever.Retrieve(ctx, req, dialogue)
	if err != nil {
		return nil, fmt.Errorf("retrieve knowledge: %w", err)
	}
	p.info("knowledge resolved", "turn", turn, "items", len(bundle))
	return bundle, nil
}

func (p *Pipeline) debug(msg string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) info(msg string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
