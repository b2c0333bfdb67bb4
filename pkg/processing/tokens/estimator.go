// Package tokens estimates token counts without calling any tokenizer
// service. Estimates feed response bookkeeping when a vendor omits usage
// data, and cost projections for strategy ordering.
package tokens

import "strings"

// wordsPerToken is the rough conversion between whitespace-delimited words
// and model tokens for English prose.
const wordsPerToken = 0.75

// charsPerToken is the rough conversion between characters and tokens,
// used for prompt-side estimates where word splitting is unreliable
// (code, JSON payloads).
const charsPerToken = 4

// EstimateFromText approximates the token count of generated text as
// words / 0.75, rounding up.
func EstimateFromText(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	est := int(float64(words)/wordsPerToken + 0.5)
	if est < 1 {
		est = 1
	}
	return est
}

// EstimatePrompt approximates the token count of a prompt as chars / 4.
func EstimatePrompt(prompt string) int {
	if prompt == "" {
		return 0
	}
	est := len(prompt) / charsPerToken
	if est < 1 {
		est = 1
	}
	return est
}
