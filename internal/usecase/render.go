package usecase

import (
	"strings"
	"unicode/utf8"

	"KnowledgeScout/internal/domain"
)

const transcriptTimeLayout = "2006-01-02 15:04"

// RenderMessage formats one chat message as a transcript line.
func RenderMessage(m domain.ChatMessage) string {
	var b strings.Builder
	if !m.Timestamp.IsZero() {
		b.WriteString("[")
		b.WriteString(m.Timestamp.Format(transcriptTimeLayout))
		b.WriteString("] ")
	}
	speaker := m.Speaker
	if speaker == "" {
		speaker = "unknown"
	}
	b.WriteString(speaker)
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(m.Text))
	return b.String()
}

// RenderTranscript renders messages one per line, in the order given.
func RenderTranscript(messages []domain.ChatMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, RenderMessage(m))
	}
	return strings.Join(lines, "\n")
}

// ChunkTranscript splits the rendered transcript on message boundaries into chunks of at most
// budget runes. A single message longer than budget forms its own chunk. A non-positive budget
// yields one chunk.
func ChunkTranscript(messages []domain.ChatMessage, budget int) []string {
	if budget <= 0 {
		return []string{RenderTranscript(messages)}
	}

	var (
		chunks []string
		cur    []string
		size   int
	)
	for _, m := range messages {
		line := RenderMessage(m)
		n := utf8.RuneCountInString(line)
		if len(cur) > 0 && size+1+n > budget {
			chunks = append(chunks, strings.Join(cur, "\n"))
			cur, size = nil, 0
		}
		if len(cur) > 0 {
			size++
		}
		cur = append(cur, line)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

func joinParagraphs(parts []string) string {
	return strings.Join(parts, "\n\n")
}

// RenderBundle formats the bundle as 【subject】 blocks separated by blank lines.
func RenderBundle(bundle []domain.KnowledgeItem) string {
	parts := make([]string, 0, len(bundle))
	for _, item := range bundle {
		header := "【" + item.Subject + "】"
		if item.Source != "" {
			header += " (source: " + string(item.Source) + ")"
		}
		parts = append(parts, header+"\n"+item.Text)
	}
	return joinParagraphs(parts)
}

// RenderContext wraps the rendered bundle into the block appended to the system prompt,
// reminding the model of its persona names. An empty bundle renders to "".
func RenderContext(bundle []domain.KnowledgeItem, personas []string) string {
	knowledge := RenderBundle(bundle)
	if knowledge == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n---\n")
	if names := nonEmpty(personas); len(names) > 0 {
		b.WriteString("[Background] You are also known as ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(". ")
	} else {
		b.WriteString("[Background] ")
	}
	b.WriteString("The following information may be relevant to the conversation; use it as reference only.\n\n")
	b.WriteString("[Reference]:\n")
	b.WriteString(knowledge)
	b.WriteString("\n---")
	return b.String()
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
