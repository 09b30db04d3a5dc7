package chathistory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KnowledgeScout/internal/domain"
)

const transcript = `{"speaker":"alice","text":"third","timestamp":"2026-01-01T12:00:00Z"}
{"speaker":"bob","text":"first","timestamp":"2026-01-01T09:00:00Z"}
not json
{"speaker":"carol","text":"second","timestamp":"2026-01-01T11:30:00Z"}

`

func writeTranscript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(transcript), 0o600))
	return path
}

func texts(messages []domain.ChatMessage) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

func TestFetchByCount(t *testing.T) {
	t.Parallel()

	history := NewJSONLFile(writeTranscript(t), nil)

	got, err := history.Fetch(context.Background(), domain.ChatWindow{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, texts(got))

	got, err = history.Fetch(context.Background(), domain.ChatWindow{Count: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, texts(got))
}

func TestFetchByHours(t *testing.T) {
	t.Parallel()

	history := NewJSONLFile(writeTranscript(t), nil)
	history.now = func() time.Time { return time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC) }

	got, err := history.Fetch(context.Background(), domain.ChatWindow{Hours: 1.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, texts(got))
}

func TestFetchRejectsAmbiguousWindow(t *testing.T) {
	t.Parallel()

	history := NewJSONLFile(writeTranscript(t), nil)

	_, err := history.Fetch(context.Background(), domain.ChatWindow{Hours: 1, Count: 1})
	assert.Error(t, err)
	_, err = history.Fetch(context.Background(), domain.ChatWindow{})
	assert.Error(t, err)
}

func TestFetchMissingFile(t *testing.T) {
	t.Parallel()

	history := NewJSONLFile(filepath.Join(t.TempDir(), "absent.jsonl"), nil)
	got, err := history.Fetch(context.Background(), domain.ChatWindow{Count: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}
