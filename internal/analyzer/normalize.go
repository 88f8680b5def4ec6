package analyzer

import (
	"strings"
	"unicode"
)

// jaccardThreshold is the token-set similarity above which two titles are
// considered the same work item.
const jaccardThreshold = 0.82

// NormalizeTitle case-folds, strips punctuation and collapses whitespace
// so "Add  User-Login!" and "add user login" compare equal.
func NormalizeTitle(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// titleTokens returns the normalized token set of a title.
func titleTokens(s string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, t := range strings.Fields(NormalizeTitle(s)) {
		tokens[t] = struct{}{}
	}
	return tokens
}

// jaccard computes |a∩b| / |a∪b| over two token sets. Two empty sets are
// identical (1.0).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// SimilarTitles reports whether two titles refer to the same work item
// under the merge threshold.
func SimilarTitles(a, b string) bool {
	return jaccard(titleTokens(a), titleTokens(b)) >= jaccardThreshold
}
