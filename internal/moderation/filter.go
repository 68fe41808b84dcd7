// Package moderation provides content filtering and moderation capabilities.
// It detects and masks profanity in room messages, keeps a per-author
// offense count, and bounds the room to its retention window.
package moderation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maskRune replaces every rune of a matched token. It is neither a letter,
// a digit nor a leetspeak substitute, so masked text never tokenizes again.
const maskRune = '*'

// FilterResult is the outcome of CheckSpam.
type FilterResult struct {
	Blocked bool
	Reason  string // "spam_pattern"
	Term    string // name of the matching spam check
}

// Filter matches text against a word list of single words and multi-word
// phrases. Matching is case-insensitive, whole-token and leetspeak-aware.
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases map[string][]string // phrase -> its tokens
}

// NewFilter returns a Filter loaded with the default word list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Terms containing
// whitespace become phrases; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{
		words:   make(map[string]struct{}),
		phrases: make(map[string][]string),
	}
	for _, term := range terms {
		fields := strings.Fields(strings.ToLower(term))
		switch len(fields) {
		case 0:
			continue
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases[strings.Join(fields, " ")] = fields
		}
	}
	return f
}

// CheckSpam runs only the spam heuristics.
func (f *Filter) CheckSpam(text string) FilterResult {
	return f.checkSpamPatterns(text)
}

// Match returns the first word-list term found in text, plain tokens
// before leetspeak ones.
func (f *Filter) Match(text string) (string, bool) {
	term, found := "", false
	f.scan(text, func(m match) bool {
		term, found = m.term, true
		return false
	})
	return term, found
}

// IsProfane reports whether text contains a word-list term.
func (f *Filter) IsProfane(text string) bool {
	_, found := f.Match(text)
	return found
}

// Clean masks every word-list match in text with '*' runes, keeping all
// other characters and the rune length intact. IsProfane(Clean(x)) is
// always false.
func (f *Filter) Clean(text string) string {
	out := text
	// Masking can split a token so that a previously hidden term surfaces
	// (e.g. "cr@p-badword"), so repeat until nothing matches. Every pass
	// masks at least one rune, which bounds the loop.
	for f.IsProfane(out) {
		out = f.maskOnce(out)
	}
	return out
}

func (f *Filter) maskOnce(text string) string {
	masked := make([]bool, len(text))
	f.scan(text, func(m match) bool {
		for _, sp := range m.spans {
			for i := sp.start; i < sp.end; i++ {
				masked[i] = true
			}
		}
		return true
	})

	var b strings.Builder
	b.Grow(len(text))
	for i, r := range text {
		if masked[i] {
			b.WriteRune(maskRune)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// span is one token: its byte range in the original text and its
// normalized form.
type span struct {
	start, end int
	norm       string
}

type match struct {
	term  string
	spans []span
}

// scan calls fn for every word or phrase match, first over plain tokens and
// then over leetspeak tokens. It stops when fn returns false.
func (f *Filter) scan(text string, fn func(match) bool) {
	for _, tokens := range [][]span{plainSpans(text), leetSpans(text)} {
		for i, tok := range tokens {
			if _, ok := f.words[tok.norm]; ok {
				if !fn(match{term: tok.norm, spans: tokens[i : i+1]}) {
					return
				}
			}
			for phrase, parts := range f.phrases {
				if !phraseAt(text, tokens, i, parts) {
					continue
				}
				if !fn(match{term: phrase, spans: tokens[i : i+len(parts)]}) {
					return
				}
			}
		}
	}
}

// phraseAt reports whether parts occur as consecutive tokens starting at
// tokens[i]. Tokens separated by masked text are not consecutive.
func phraseAt(text string, tokens []span, i int, parts []string) bool {
	if i+len(parts) > len(tokens) {
		return false
	}
	for j, part := range parts {
		tok := tokens[i+j]
		if tok.norm != part {
			return false
		}
		if j > 0 && strings.ContainsRune(text[tokens[i+j-1].end:tok.start], maskRune) {
			return false
		}
	}
	return true
}

// plainSpans splits text into runs of letters and digits, lowercased.
func plainSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, span{start: start, end: i, norm: strings.ToLower(text[start:i])})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text), norm: strings.ToLower(text[start:])})
	}
	return spans
}

// leetSpans splits text on whitespace, trims each chunk to its leading and
// trailing letter, digit or leet rune, and normalizes the remainder.
func leetSpans(text string) []span {
	var spans []span
	start := -1
	flush := func(end int) {
		s, e := trimToLeetCore(text, start, end)
		if s < e {
			spans = append(spans, span{start: s, end: e, norm: normalizeLeet(strings.ToLower(text[s:e]))})
		}
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				flush(i)
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		flush(len(text))
	}
	return spans
}

func trimToLeetCore(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if isLeetTokenRune(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if isLeetTokenRune(r) {
			break
		}
		end -= size
	}
	return start, end
}

func isLeetTokenRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	_, ok := leetMap[r]
	return ok
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet maps common leetspeak substitutes back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}
