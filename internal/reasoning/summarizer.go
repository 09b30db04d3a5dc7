package reasoning

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"KnowledgeScout/internal/ports"
)

const omittedMarker = "...(earlier messages omitted)...\n"

// ErrEmptySummary is returned when the model answers with nothing.
var ErrEmptySummary = errors.New("empty summary")

// SummarizerConfig bounds summarizer input and output.
type SummarizerConfig struct {
	// MaxInputChars caps the runes sent to the model; zero disables truncation.
	MaxInputChars int
	// TargetChars is passed to the prompt as the desired summary length.
	TargetChars int
}

// Summarizer condenses page text and chat transcripts.
type Summarizer struct {
	doc  *Stage
	chat *Stage
	cfg  SummarizerConfig
}

var _ ports.Summarizer = (*Summarizer)(nil)

// NewSummarizer wires the document and chat stages; both may share one model.
func NewSummarizer(doc, chat *Stage, cfg SummarizerConfig) *Summarizer {
	return &Summarizer{doc: doc, chat: chat, cfg: cfg}
}

// SummarizeDoc keeps the head of over-long content.
func (s *Summarizer) SummarizeDoc(ctx context.Context, dialogue, entity, content string) (string, error) {
	return s.invoke(ctx, s.doc, map[string]string{
		"dialogue":      dialogue,
		"entity":        entity,
		"content":       truncateHead(content, s.cfg.MaxInputChars),
		"target_length": strconv.Itoa(s.cfg.TargetChars),
	})
}

// SummarizeChat keeps the most recent part of an over-long transcript and marks the cut.
func (s *Summarizer) SummarizeChat(ctx context.Context, dialogue, topic, transcript string) (string, error) {
	if kept, cut := truncateTail(transcript, s.cfg.MaxInputChars); cut {
		transcript = omittedMarker + kept
	}
	return s.invoke(ctx, s.chat, map[string]string{
		"dialogue":      dialogue,
		"topic":         topic,
		"transcript":    transcript,
		"target_length": strconv.Itoa(s.cfg.TargetChars),
	})
}

func (s *Summarizer) invoke(ctx context.Context, stage *Stage, vars map[string]string) (string, error) {
	out, err := stage.Invoke(ctx, vars)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}
