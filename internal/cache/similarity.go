package cache

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeQuery lower-cases q and collapses runs of whitespace.
func NormalizeQuery(q string) string {
	// Casers are stateful, so one per call.
	lowered := cases.Lower(language.Und).String(q)
	return strings.Join(strings.Fields(lowered), " ")
}

// Tokens returns the set of words in the normalized query with surrounding
// punctuation stripped.
func Tokens(q string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(NormalizeQuery(q)) {
		w := strings.TrimFunc(f, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
