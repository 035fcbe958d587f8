package ledger

import (
	"strings"
	"unicode"
)

const minTokenLen = 3

// stopwords excluded from keyword extraction. Deliberately small: retrieval
// scoring tolerates noise better than it tolerates dropped signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "from": {}, "they": {}, "will": {}, "would": {},
	"there": {}, "their": {}, "what": {}, "which": {}, "when": {}, "were": {},
	"been": {}, "them": {}, "then": {}, "than": {}, "its": {},
	"into": {}, "only": {}, "over": {}, "such": {}, "about": {}, "also": {},
	"your": {}, "some": {}, "could": {}, "should": {}, "just": {}, "like": {},
	"more": {}, "very": {}, "here": {}, "does": {}, "did": {}, "doing": {},
}

// ExtractKeywords tokenizes text into a normalized keyword set: lowercased,
// split on non-alphanumeric runes, short tokens and stopwords dropped,
// deduplicated, sorted. Deterministic and order-independent, so the same
// function serves both index building at append time and query tokenization
// at retrieval time.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) < minTokenLen {
			continue
		}
		if _, ok := stopwords[tok]; ok {
			continue
		}
		out = append(out, tok)
	}
	return NormalizeSet(out)
}
