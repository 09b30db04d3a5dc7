package usecase

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"KnowledgeScout/internal/domain"
)

func TestRenderTranscript(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	got := RenderTranscript([]domain.ChatMessage{
		{Speaker: "alice", Text: " hi ", Timestamp: ts},
		{Text: "anonymous"},
	})
	assert.Equal(t, "[2024-05-01 09:30] alice: hi\nunknown: anonymous", got)
}

func TestChunkTranscriptKeepsMessageBoundaries(t *testing.T) {
	t.Parallel()

	messages := []domain.ChatMessage{
		{Speaker: "a", Text: "1234"},
		{Speaker: "b", Text: "5678"},
		{Speaker: "c", Text: "long message"},
	}
	chunks := ChunkTranscript(messages, 15)
	assert.Equal(t, []string{"a: 1234\nb: 5678", "c: long message"}, chunks)

	assert.Equal(t, []string{"a: 1234\nb: 5678\nc: long message"}, ChunkTranscript(messages, 0))
	assert.Len(t, ChunkTranscript(messages, 3), 3)
}

func TestRenderContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, RenderContext(nil, []string{"fairy"}))

	bundle := []domain.KnowledgeItem{
		{Subject: "苹果公司", Source: domain.SourceWikipedia, Text: "科技公司"},
		{Subject: "[person].朱祁镇.父亲", Source: domain.SourceWikidata, Text: "朱祁镇 父亲: 朱瞻基"},
	}
	assert.Equal(t, "【苹果公司】 (source: wikipedia)\n科技公司\n\n【[person].朱祁镇.父亲】 (source: wikidata)\n朱祁镇 父亲: 朱瞻基", RenderBundle(bundle))

	out := RenderContext(bundle, []string{"fairy", " ", "仙灵"})
	assert.True(t, strings.HasPrefix(out, "\n\n---\n[Background] You are also known as fairy, 仙灵."))
	assert.Contains(t, out, "[Reference]:\n【苹果公司】")
	assert.True(t, strings.HasSuffix(out, "\n---"))
}
