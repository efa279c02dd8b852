package cluster

import "strings"

// stopwords are filtered out before similarity comparison. Short tokens
// (<=2 chars) are dropped unconditionally, so only longer words appear here.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"had": {}, "will": {}, "would": {}, "been": {}, "but": {},
	"not": {}, "you": {}, "your": {}, "its": {}, "his": {}, "her": {},
	"they": {}, "them": {}, "their": {}, "says": {}, "said": {},
	"after": {}, "over": {}, "amid": {}, "into": {}, "out": {}, "off": {},
	"new": {}, "more": {}, "than": {}, "about": {}, "could": {},
	"may": {}, "might": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "why": {}, "how": {}, "all": {}, "just": {}, "now": {},
}

// tokenSet is a title reduced to its significant tokens.
type tokenSet map[string]struct{}

// Tokenize lowercases a title, strips non-alphanumerics, and drops short
// tokens and stopwords. The result is a set: duplicate tokens collapse.
func Tokenize(title string) map[string]struct{} {
	lower := strings.ToLower(title)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !isAlphanumeric(r)
	})

	set := make(map[string]struct{}, len(fields))
	for _, tok := range fields {
		if len(tok) <= 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Jaccard returns |A∩B| / |A∪B| for two token sets. Two empty sets have
// similarity zero, not one: titles with no signal never merge.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
