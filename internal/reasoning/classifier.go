package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// ChatHistoryKey is the conventional required_docs key for chat-history requests.
const ChatHistoryKey = "chat_history"

// Classifier asks the classifier model which knowledge the dialogue lacks.
type Classifier struct {
	stage               *Stage
	dialogueBudget      int
	defaultMessageCount int
	logger              *slog.Logger
}

var _ ports.Classifier = (*Classifier)(nil)

// NewClassifier wires the classifier stage. dialogueBudget bounds the rendered dialogue in runes.
func NewClassifier(stage *Stage, dialogueBudget, defaultMessageCount int, log *slog.Logger) *Classifier {
	return &Classifier{
		stage:               stage,
		dialogueBudget:      dialogueBudget,
		defaultMessageCount: defaultMessageCount,
		logger:              log,
	}
}

// Classify returns ErrMalformedClassification when the answer has no valid payload; any
// other error means the model could not be invoked.
func (c *Classifier) Classify(ctx context.Context, history []domain.DialogueTurn, current string) (domain.KnowledgeRequest, error) {
	dialogue := Window(history, current, c.dialogueBudget)

	answer, err := c.stage.Invoke(ctx, map[string]string{"dialogue": dialogue})
	if err != nil {
		return domain.KnowledgeRequest{}, err
	}

	req, bothWindows, err := parseClassification(answer, c.defaultMessageCount)
	if err != nil {
		c.debug("classification rejected", "error", err, "answer", answer)
		return domain.KnowledgeRequest{}, err
	}
	if bothWindows {
		c.warn("both chat windows requested, using message_count", "message_count", req.Parameters.MessageCount)
	}
	c.debug("classified", "docs", len(req.RequiredDocs), "facts", len(req.RequiredFacts))
	return req, nil
}

type rawClassification struct {
	RequiredDocs  json.RawMessage `json:"required_docs"`
	RequiredFacts json.RawMessage `json:"required_facts"`
	Parameters    json.RawMessage `json:"parameters"`
}

type rawParameters struct {
	TimeRangeHours *float64 `json:"time_range_hours"`
	MessageCount   *float64 `json:"message_count"`
	Summarize      *bool    `json:"summarize"`
}

// ParseClassification validates a classifier answer into a KnowledgeRequest. Parameters are
// set only when chat history is requested; when both windows are given message_count wins,
// when neither is given defaultMessageCount applies.
func ParseClassification(answer string, defaultMessageCount int) (domain.KnowledgeRequest, error) {
	req, _, err := parseClassification(answer, defaultMessageCount)
	return req, err
}

func parseClassification(answer string, defaultMessageCount int) (domain.KnowledgeRequest, bool, error) {
	raw, err := ExtractObject(answer, "required_docs", "required_facts")
	if err != nil {
		return domain.KnowledgeRequest{}, false, err
	}

	var rc rawClassification
	if err := json.Unmarshal(raw, &rc); err != nil {
		return domain.KnowledgeRequest{}, false, malformed("decode payload", err)
	}

	var req domain.KnowledgeRequest

	pairs, err := orderedStringMap(rc.RequiredDocs)
	if err != nil {
		return domain.KnowledgeRequest{}, false, malformed("required_docs", err)
	}
	chatRequested := false
	for _, p := range pairs {
		entity, tag := strings.TrimSpace(p[0]), domain.SourceTag(strings.TrimSpace(p[1]))
		if !tag.Valid() {
			return domain.KnowledgeRequest{}, false, malformed("required_docs", fmt.Errorf("unknown source %q for %q", tag, entity))
		}
		if entity == "" {
			continue
		}
		if tag == domain.SourceChatHistory {
			chatRequested = true
		}
		req.RequiredDocs = append(req.RequiredDocs, domain.DocRequest{Entity: entity, Source: tag})
	}

	if !isNull(rc.RequiredFacts) {
		var facts []string
		if err := json.Unmarshal(rc.RequiredFacts, &facts); err != nil {
			return domain.KnowledgeRequest{}, false, malformed("required_facts", err)
		}
		for _, f := range facts {
			if f = strings.TrimSpace(f); f != "" {
				req.RequiredFacts = append(req.RequiredFacts, f)
			}
		}
	}

	bothWindows := false
	if chatRequested {
		params, both, err := parseParameters(rc.Parameters, defaultMessageCount)
		if err != nil {
			return domain.KnowledgeRequest{}, false, err
		}
		req.Parameters, bothWindows = params, both
	}
	return req, bothWindows, nil
}

func parseParameters(raw json.RawMessage, defaultMessageCount int) (*domain.ChatParameters, bool, error) {
	var rp rawParameters
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &rp); err != nil {
			return nil, false, malformed("parameters", err)
		}
	}
	hasCount := rp.MessageCount != nil && *rp.MessageCount > 0
	hasHours := rp.TimeRangeHours != nil && *rp.TimeRangeHours > 0

	params := &domain.ChatParameters{}
	if rp.Summarize != nil {
		params.Summarize = *rp.Summarize
	}
	switch {
	case hasCount:
		params.MessageCount = int(*rp.MessageCount)
	case hasHours:
		params.TimeRangeHours = *rp.TimeRangeHours
	default:
		params.MessageCount = defaultMessageCount
	}
	return params, hasCount && hasHours, nil
}

func malformed(field string, err error) error {
	if errors.Is(err, domain.ErrMalformedClassification) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrMalformedClassification, field, err)
}

func (c *Classifier) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Classifier) warn(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
