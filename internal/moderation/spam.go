package moderation

import (
	"regexp"
	"strings"
)

// Spam heuristics used on the send path. They reject a message before it
// is stored; they play no part in IsProfane or Clean.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains on
	// common TLDs followed by a path. Requiring the "/" keeps version strings
	// like "v2.0" and decimals like "3.14" clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches phone numbers such as +1-555-123-4567,
	// (555) 123-4567 and 555.123.4567, bounded by whitespace.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical consecutive runes
	wordFloodRun = 3 // identical consecutive words, case-insensitive
)

// spamChecks is evaluated in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", func(text string) bool {
		return longestRun([]rune(text), func(a, b rune) bool { return a == b }) >= charFloodRun
	}},
	{"word_flood", func(text string) bool {
		return longestRun(strings.Fields(text), strings.EqualFold) >= wordFloodRun
	}},
}

// longestRun returns the length of the longest run of consecutive equal
// items.
func longestRun[T any](items []T, equal func(a, b T) bool) int {
	best, run := 0, 0
	for i := range items {
		if i > 0 && equal(items[i-1], items[i]) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// checkSpamPatterns returns a blocking result naming the first spam check
// that matches text, or a zero result.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
