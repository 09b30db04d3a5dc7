package reasoning

import (
	"strings"
	"unicode/utf8"

	"KnowledgeScout/internal/domain"
)

// RenderTurn formats one dialogue turn as a single prompt line.
func RenderTurn(turn domain.DialogueTurn) string {
	label := turn.Speaker
	if label == "" {
		switch turn.Role {
		case "user", "assistant", "system":
			label = turn.Role
		default:
			label = "unknown"
		}
	}
	return "[" + label + "] " + strings.TrimSpace(turn.Content)
}

// Window renders history plus the current turn, dropping the oldest turns until the result
// fits budget runes. The current turn is always kept; alone over budget it keeps its tail.
// A non-positive budget disables windowing.
func Window(history []domain.DialogueTurn, current string, budget int) string {
	last := RenderTurn(domain.DialogueTurn{Role: "user", Content: current})
	lines := make([]string, 0, len(history)+1)
	for _, turn := range history {
		lines = append(lines, RenderTurn(turn))
	}

	if budget <= 0 {
		return strings.Join(append(lines, last), "\n")
	}

	if n := runeLen(last); n > budget {
		return string([]rune(last)[n-budget:])
	}

	used := runeLen(last)
	start := len(lines)
	for start > 0 {
		cost := runeLen(lines[start-1]) + 1
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}
	return strings.Join(append(lines[start:], last), "\n")
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// truncateHead keeps the first max runes of s.
func truncateHead(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// truncateTail keeps the last max runes of s.
func truncateTail(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	r := []rune(s)
	if len(r) <= max {
		return s, false
	}
	return string(r[len(r)-max:]), true
}
