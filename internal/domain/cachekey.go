package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CacheKind separates cached content families.
type CacheKind string

const (
	CacheDoc    CacheKind = "doc"
	CachePage   CacheKind = "page"
	CacheSearch CacheKind = "search"
	CacheFact   CacheKind = "fact"
	CacheChat   CacheKind = "chat"
)

// CacheKey is the deterministic identity of a cached value.
type CacheKey struct {
	Kind    CacheKind
	Source  SourceTag
	Subject string
	Params  []string
}

// NewCacheKey normalizes the subject; params are kept in the given order.
func NewCacheKey(kind CacheKind, source SourceTag, subject string, params ...string) CacheKey {
	return CacheKey{Kind: kind, Source: source, Subject: NormalizeSubject(subject), Params: params}
}

// String returns the canonical form.
func (k CacheKey) String() string {
	return string(k.Kind) + "|" + string(k.Source) + "|" + k.Subject + "|" + strings.Join(k.Params, ",")
}

// Hash returns the content address used as the storage key.
func (k CacheKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizeSubject folds width variants, lower-cases, trims and collapses inner whitespace.
func NormalizeSubject(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// SortedNormalized returns normalized, de-duplicated, sorted tokens.
func SortedNormalized(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = NormalizeSubject(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
