// Package reasoning binds prompt templates to configured models and parses their answers.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"KnowledgeScout/internal/ports"
)

// Stage is one role bound to a model id and a prompt template.
type Stage struct {
	Role     string
	ModelID  string
	Template string
	Timeout  time.Duration

	prompts *PromptStore
	models  ports.ModelResolver
	logger  *slog.Logger
}

// StageDeps groups what a Stage needs besides its binding.
type StageDeps struct {
	Prompts *PromptStore
	Models  ports.ModelResolver
	Logger  *slog.Logger
}

// NewStage binds role to modelID and the named template.
func NewStage(role, modelID, template string, timeout time.Duration, deps StageDeps) *Stage {
	return &Stage{
		Role:     role,
		ModelID:  modelID,
		Template: template,
		Timeout:  timeout,
		prompts:  deps.Prompts,
		models:   deps.Models,
		logger:   deps.Logger,
	}
}

// Validate checks that the bound model can be resolved.
func (s *Stage) Validate() error {
	if _, err := s.models.Resolve(s.ModelID); err != nil {
		return fmt.Errorf("%s model: %w", s.Role, err)
	}
	return nil
}

// Invoke renders the template with vars and asks the model under the stage timeout.
// Resolution failures keep their ErrConfiguration classification.
func (s *Stage) Invoke(ctx context.Context, vars map[string]string) (string, error) {
	model, err := s.models.Resolve(s.ModelID)
	if err != nil {
		return "", fmt.Errorf("%s model: %w", s.Role, err)
	}

	prompt := Render(s.prompts.Template(s.Template), vars)

	callCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := model.Complete(callCtx, prompt)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", s.Role, err)
	}
	s.debug("stage answered", "role", s.Role, "model", s.ModelID, "elapsed", time.Since(started), "chars", len(out))
	return out, nil
}

// Render substitutes {name} placeholders in one pass, so substituted text is never expanded again.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func (s *Stage) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
