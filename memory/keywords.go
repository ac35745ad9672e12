package memory

import (
	"sort"
	"strings"
	"unicode"
)

// Keywords is a set of normalized keyword tokens.
type Keywords map[string]struct{}

// stopWords lists common words that survive the length filter but carry no topic.
var stopWords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "again": {}, "also": {}, "been": {},
	"before": {}, "being": {}, "below": {}, "between": {}, "both": {}, "could": {},
	"does": {}, "doing": {}, "down": {}, "during": {}, "each": {}, "from": {},
	"further": {}, "have": {}, "having": {}, "here": {}, "into": {}, "just": {},
	"more": {}, "most": {}, "only": {}, "other": {}, "ought": {}, "ours": {},
	"over": {}, "same": {}, "should": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "their": {}, "theirs": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "through": {}, "under": {},
	"until": {}, "very": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "will": {}, "with": {}, "would": {}, "your": {},
	"yours": {}, "yourself": {},
}

// ExtractKeywords lowercases text, strips punctuation, splits on whitespace
// and keeps tokens longer than three characters that are not stop words.
// No stemming is applied: "hike" and "hiking" are different keywords.
func ExtractKeywords(text string) Keywords {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, text)

	out := make(Keywords)
	for _, tok := range strings.Fields(cleaned) {
		if len([]rune(tok)) <= 3 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// Sorted returns the keywords in lexical order.
func (k Keywords) Sorted() []string {
	out := make([]string, 0, len(k))
	for tok := range k {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Overlap counts how many of tags are in k.
func (k Keywords) Overlap(tags []string) int {
	n := 0
	for _, tag := range tags {
		if _, ok := k[tag]; ok {
			n++
		}
	}
	return n
}
