// Package chathistory serves chat transcripts to the retriever.
package chathistory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

const maxLineBytes = 1 << 20

// JSONLFile reads a transcript stored as one JSON message per line. The file is re-read on
// every call so that appended messages are visible immediately.
type JSONLFile struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

var _ ports.ChatHistory = (*JSONLFile)(nil)

// NewJSONLFile returns a collaborator backed by path.
func NewJSONLFile(path string, log *slog.Logger) *JSONLFile {
	return &JSONLFile{path: path, now: time.Now, logger: log}
}

// Fetch returns the last window.Count messages, or those newer than window.Hours, oldest first.
// A missing transcript yields no messages.
func (f *JSONLFile) Fetch(ctx context.Context, window domain.ChatWindow) ([]domain.ChatMessage, error) {
	if (window.Count > 0) == (window.Hours > 0) {
		return nil, fmt.Errorf("chat window must set exactly one of hours and count: %+v", window)
	}

	messages, err := f.readAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	if window.Count > 0 {
		if len(messages) > window.Count {
			messages = messages[len(messages)-window.Count:]
		}
		return messages, nil
	}

	since := f.now().Add(-time.Duration(window.Hours * float64(time.Hour)))
	start := sort.Search(len(messages), func(i int) bool {
		return !messages[i].Timestamp.Before(since)
	})
	return messages[start:], nil
}

func (f *JSONLFile) readAll(ctx context.Context) ([]domain.ChatMessage, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.debug("chat transcript missing", "path", f.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open chat transcript: %w", err)
	}
	defer file.Close()

	var messages []domain.ChatMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if line%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			f.warn("skip malformed chat line", "line", line, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chat transcript: %w", err)
	}
	return messages, nil
}

func (f *JSONLFile) debug(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}

func (f *JSONLFile) warn(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Warn(msg, args...)
	}
}
