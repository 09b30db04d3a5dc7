package reasoning

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Prompt template names; the override directory uses the same names with a .md suffix.
const (
	PromptClassifier     = "classifier"
	PromptFilter         = "filter"
	PromptSummarizerDoc  = "summarizer_doc"
	PromptSummarizerChat = "summarizer_chat"
)

var promptNames = []string{PromptClassifier, PromptFilter, PromptSummarizerDoc, PromptSummarizerChat}

//go:embed prompts/*.md
var defaultPrompts embed.FS

// PromptStore serves prompt templates: embedded defaults, optionally overridden by files in a
// directory that is watched for changes.
type PromptStore struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]string
}

// NewPromptStore loads the defaults and any overrides found in dir (which may be empty).
func NewPromptStore(dir string, log *slog.Logger) (*PromptStore, error) {
	s := &PromptStore{dir: dir, logger: log, templates: make(map[string]string, len(promptNames))}
	for _, name := range promptNames {
		data, err := defaultPrompts.ReadFile("prompts/" + name + ".md")
		if err != nil {
			return nil, fmt.Errorf("read default prompt %s: %w", name, err)
		}
		s.templates[name] = string(data)
	}
	if dir == "" {
		return s, nil
	}
	for _, name := range promptNames {
		if err := s.reload(name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Template returns the current template for name.
func (s *PromptStore) Template(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templates[name]
}

// Watch reloads overrides on create and write events until ctx is done. It returns once the
// watcher is installed; without an override directory it does nothing.
func (s *PromptStore) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch prompt dir: %w", err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				name, ok := promptName(event.Name)
				if !ok {
					continue
				}
				if err := s.reload(name); err != nil {
					s.warn("reload prompt failed", "prompt", name, "error", err)
					continue
				}
				s.debug("prompt reloaded", "prompt", name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.warn("prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reload replaces name with the override file if it exists and is not empty.
func (s *PromptStore) reload(name string) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".md"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read prompt override %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	s.templates[name] = string(data)
	s.mu.Unlock()
	return nil
}

func promptName(path string) (string, bool) {
	base := filepath.Base(path)
	for _, name := range promptNames {
		if base == name+".md" {
			return name, true
		}
	}
	return "", false
}

func (s *PromptStore) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *PromptStore) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
