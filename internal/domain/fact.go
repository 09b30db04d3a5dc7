package domain

import (
	"fmt"
	"strings"
)

// FactQuery is a parsed "[disambiguators].subject.property" string.
type FactQuery struct {
	Disambiguators []string
	Subject        string
	Property       string
}

// ParseFactQuery splits a fact query. Disambiguators inside the leading brackets may be
// separated by "|" or ","; the subject is everything before the last dot.
func ParseFactQuery(raw string) (FactQuery, error) {
	rest := strings.TrimSpace(raw)
	var q FactQuery

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return FactQuery{}, fmt.Errorf("fact query %q: unclosed disambiguator list", raw)
		}
		for _, tok := range strings.FieldsFunc(rest[1:end], func(r rune) bool { return r == '|' || r == ',' }) {
			if tok = strings.TrimSpace(tok); tok != "" {
				q.Disambiguators = append(q.Disambiguators, tok)
			}
		}
		rest = strings.TrimPrefix(strings.TrimSpace(rest[end+1:]), ".")
	}

	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return FactQuery{}, fmt.Errorf("fact query %q: missing property", raw)
	}
	q.Subject = strings.TrimSpace(rest[:dot])
	q.Property = strings.TrimSpace(rest[dot+1:])
	if q.Subject == "" || q.Property == "" {
		return FactQuery{}, fmt.Errorf("fact query %q: empty subject or property", raw)
	}
	return q, nil
}

// CacheKey identifies the fact by subject, property and sorted disambiguators.
func (q FactQuery) CacheKey() CacheKey {
	params := append([]string{NormalizeSubject(q.Property)}, SortedNormalized(q.Disambiguators)...)
	return NewCacheKey(CacheFact, SourceWikidata, q.Subject, params...)
}
