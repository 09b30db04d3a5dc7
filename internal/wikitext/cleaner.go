// Package wikitext reduces MediaWiki markup to readable prose.
package wikitext

import (
	"regexp"
	"strings"
)

var (
	commentExpr     = regexp.MustCompile(`(?s)<!--.*?-->`)
	refPairExpr     = regexp.MustCompile(`(?is)<ref\b[^>/]*>.*?</ref\s*>`)
	refSelfExpr     = regexp.MustCompile(`(?i)<ref\b[^>]*/>`)
	referencesExpr  = regexp.MustCompile(`(?i)<references\b[^>]*/?>`)
	dropBlockExpr   = regexp.MustCompile(`(?is)<(gallery|math|score|syntaxhighlight|timeline|templatestyles)\b[^>]*>.*?</(gallery|math|score|syntaxhighlight|timeline|templatestyles)\s*>`)
	brExpr          = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlTagExpr     = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*\b[^>]*>`)
	magicWordExpr   = regexp.MustCompile(`__[A-Z]+__`)
	fileLinkExpr    = regexp.MustCompile(`(?i)^(file|image|category|文件|图像|分类|ファイル):`)
	externalLink    = regexp.MustCompile(`\[(?:https?:)?//[^\s\]]+\s+([^\]]+)\]`)
	bareExternal    = regexp.MustCompile(`\[(?:https?:)?//[^\s\]]+\]`)
	boldItalicExpr  = regexp.MustCompile(`'{2,5}`)
	headingExpr     = regexp.MustCompile(`(?m)^[ \t]*=+[ \t]*(.*?)[ \t]*=+[ \t]*$`)
	listMarkerExpr  = regexp.MustCompile(`(?m)^[*#:;]+[ \t]*`)
	horizontalRule  = regexp.MustCompile(`(?m)^-{4,}\s*$`)
	inlineSpaceExpr = regexp.MustCompile(`[ \t\x{3000}]+`)
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
)

// Clean strips markup, templates, navigation boxes, references and tables from raw wikitext
// and collapses whitespace while keeping paragraph breaks. The output length is not bounded.
func Clean(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = commentExpr.ReplaceAllString(text, "")
	text = refPairExpr.ReplaceAllString(text, "")
	text = refSelfExpr.ReplaceAllString(text, "")
	text = referencesExpr.ReplaceAllString(text, "")
	text = dropBlockExpr.ReplaceAllString(text, "")

	text = stripBalanced(text, "{{", "}}")
	text = stripBalanced(text, "{|", "|}")
	text = replaceLinks(text)

	text = externalLink.ReplaceAllString(text, "$1")
	text = bareExternal.ReplaceAllString(text, "")
	text = brExpr.ReplaceAllString(text, "\n")
	text = htmlTagExpr.ReplaceAllString(text, "")
	text = magicWordExpr.ReplaceAllString(text, "")
	text = boldItalicExpr.ReplaceAllString(text, "")
	text = headingExpr.ReplaceAllString(text, "\n$1\n")
	text = horizontalRule.ReplaceAllString(text, "")
	text = listMarkerExpr.ReplaceAllString(text, "")
	text = decodeEntities(text)

	return collapseWhitespace(text)
}

// stripBalanced removes every (possibly nested) open...close span.
func stripBalanced(text, open, close string) string {
	if !strings.Contains(text, open) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	depth := 0
	for i := 0; i < len(text); {
		switch {
		case strings.HasPrefix(text[i:], open):
			depth++
			i += len(open)
		case depth > 0 && strings.HasPrefix(text[i:], close):
			depth--
			i += len(close)
		default:
			if depth == 0 {
				b.WriteByte(text[i])
			}
			i++
		}
	}
	return b.String()
}

// replaceLinks rewrites [[target|label]] to label and [[target]] to target, dropping file and
// category links entirely. Nested links inside file captions are handled by depth tracking.
func replaceLinks(text string) string {
	if !strings.Contains(text, "[[") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if !strings.HasPrefix(text[i:], "[[") {
			b.WriteByte(text[i])
			i++
			continue
		}

		end, ok := matchingLinkEnd(text, i)
		if !ok {
			b.WriteString(text[i:])
			break
		}

		inner := text[i+2 : end]
		i = end + 2

		if fileLinkExpr.MatchString(strings.TrimSpace(inner)) {
			continue
		}
		label := inner
		if idx := strings.LastIndex(inner, "|"); idx >= 0 {
			label = inner[idx+1:]
			if strings.TrimSpace(label) == "" {
				label = inner[:idx]
			}
		}
		if idx := strings.Index(label, "#"); idx == 0 {
			label = label[1:]
		}
		b.WriteString(replaceLinks(label))
	}
	return b.String()
}

func matchingLinkEnd(text string, start int) (int, bool) {
	depth := 0
	for j := start; j < len(text)-1; j++ {
		switch {
		case text[j] == '[' && text[j+1] == '[':
			depth++
			j++
		case text[j] == ']' && text[j+1] == ']':
			depth--
			if depth == 0 {
				return j, true
			}
			j++
		}
	}
	return 0, false
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&ndash;", "–",
	"&mdash;", "—",
)

func decodeEntities(text string) string {
	return entityReplacer.Replace(text)
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpaceExpr.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
