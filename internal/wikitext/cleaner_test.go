package wikitext

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Clean(""))
	assert.Equal(t, "", Clean("  \n\t "))
}

func TestCleanRemovesTemplatesAndReferences(t *testing.T) {
	t.Parallel()

	raw := `{{Infobox company
| name = Apple Inc.
| logo = {{nested|x}}
}}
'''Apple Inc.'''<ref name="a">Source text</ref> is an American company.<ref>Another</ref><ref name="b" />
{{Navbox|title=Apple}}`

	got := Clean(raw)
	assert.Equal(t, "Apple Inc. is an American company.", got)
}

func TestCleanLinks(t *testing.T) {
	t.Parallel()

	raw := `Founded by [[Steve Jobs]] and [[Steve Wozniak|Woz]] in [[Cupertino, California|Cupertino]].
[[File:Apple logo.svg|thumb|The [[logo]]]]
See [https://www.apple.com official site] and [https://example.org].
[[Category:Companies]]`

	got := Clean(raw)
	assert.Equal(t, "Founded by Steve Jobs and Woz in Cupertino.\n\nSee official site and .", strings.ReplaceAll(got, "\n\n\n", "\n\n"))
}

func TestCleanHeadingsAndParagraphs(t *testing.T) {
	t.Parallel()

	raw := "Intro   line\twith  spaces.\n\n\n\n== History ==\nFirst paragraph.\n\n=== Early years ===\n* item one\n# item two\n----\n<!-- hidden -->Last.<br/>Line"

	got := Clean(raw)
	want := "Intro line with spaces.\n\nHistory\n\nFirst paragraph.\n\nEarly years\n\nitem one\nitem two\n\nLast.\nLine"
	assert.Equal(t, want, got)
}

func TestCleanTablesAndTags(t *testing.T) {
	t.Parallel()

	raw := "Before.\n{| class=\"wikitable\"\n|-\n! Header\n|-\n| cell\n|}\n<span style=\"color:red\">After</span> &amp; done&nbsp;now.__NOTOC__"

	got := Clean(raw)
	assert.Equal(t, "Before.\n\nAfter & done now.", got)
}

func TestCleanIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := "{{a}}'''x''' [[y|z]] <ref>r</ref>"
	assert.Equal(t, Clean(raw), Clean(raw))
	assert.Equal(t, "x z", Clean(raw))
}
