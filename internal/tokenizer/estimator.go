// Package tokenizer approximates token counts for usage reporting. The
// underlying runtime does not expose its tokenizer, so counts are estimated
// from text alone: the larger of a character-based and a word-based bound.
package tokenizer

import "strings"

// Estimate returns an approximate token count for text. Non-empty text
// always estimates to at least one token, and the estimate never decreases
// when text grows.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	byChars := (len(text) + 3) / 4
	words := len(strings.Fields(text))
	byWords := (words*4 + 2) / 3
	n := byChars
	if byWords > n {
		n = byWords
	}
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateAll sums the estimates of each part, counting every non-empty part
// at least once.
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}
