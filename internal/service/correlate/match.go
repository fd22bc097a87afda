package correlate

import (
	"sort"
	"strings"
	"unicode"
)

// hintKeys are the alert attributes that carry suspicious content.
var hintKeys = []string{
	"suspicious_content",
	"security.suspicious_content",
	"keywords",
	"security.keywords",
	"matched_keywords",
	"security.matched_keywords",
}

// Hints is the normalized suspicious content carried by an alert.
type Hints struct {
	Phrases  []string
	Keywords []string
}

// Empty reports whether the alert carries no usable hint.
func (h Hints) Empty() bool {
	return len(h.Phrases) == 0 && len(h.Keywords) == 0
}

// ExtractHints collects lowercased hint phrases and keywords of at least
// minKeywordLength runes from alert attributes.
func ExtractHints(attrs map[string]any, minKeywordLength int) Hints {
	var h Hints
	seenPhrase := map[string]struct{}{}
	seenKeyword := map[string]struct{}{}
	addPhrase := func(raw string) {
		phrase := strings.ToLower(strings.TrimSpace(raw))
		if phrase == "" {
			return
		}
		if _, ok := seenPhrase[phrase]; !ok && len([]rune(phrase)) >= minKeywordLength {
			seenPhrase[phrase] = struct{}{}
			h.Phrases = append(h.Phrases, phrase)
		}
		for _, token := range tokenize(phrase) {
			if len([]rune(token)) < minKeywordLength {
				continue
			}
			if _, ok := seenKeyword[token]; ok {
				continue
			}
			seenKeyword[token] = struct{}{}
			h.Keywords = append(h.Keywords, token)
		}
	}
	for _, key := range hintKeys {
		switch v := attrs[key].(type) {
		case string:
			addPhrase(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					addPhrase(s)
				}
			}
		case []string:
			for _, s := range v {
				addPhrase(s)
			}
		}
	}
	return h
}

// CandidateText flattens the string leaves of a candidate payload into one
// lowercased text, in key order.
func CandidateText(attrs map[string]any) string {
	var b strings.Builder
	collectStrings(&b, attrs)
	return strings.ToLower(b.String())
}

func collectStrings(b *strings.Builder, v any) {
	switch t := v.(type) {
	case string:
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(b, t[k])
		}
	case []any:
		for _, item := range t {
			collectStrings(b, item)
		}
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// Overlaps reports whether text matches the hints: any phrase occurs in the
// text, or the share of keywords present as tokens reaches threshold.
func Overlaps(h Hints, text string, threshold float64) bool {
	if h.Empty() || text == "" {
		return false
	}
	for _, phrase := range h.Phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	if len(h.Keywords) == 0 {
		return false
	}
	tokens := make(map[string]struct{})
	for _, token := range tokenize(text) {
		tokens[token] = struct{}{}
	}
	hits := 0
	for _, kw := range h.Keywords {
		if _, ok := tokens[kw]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(h.Keywords)) >= threshold
}
