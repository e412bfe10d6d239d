// Package prompt assembles, sanitizes, and budget-truncates LLM prompts.
package prompt

import (
	"regexp"
	"strings"
)

// Characters that render as nothing but can smuggle instructions past
// reviewers or skew token counts.
var invisibleRunes = map[rune]struct{}{
	'\u200B': {}, // zero width space
	'\u200C': {}, // zero width non-joiner
	'\u200D': {}, // zero width joiner
	'\u200E': {}, // left-to-right mark
	'\u200F': {}, // right-to-left mark
	'\u2060': {}, // word joiner
	'\uFEFF': {}, // BOM
	'\u00AD': {}, // soft hyphen
	'\u202A': {}, // directional embedding/override controls
	'\u202B': {},
	'\u202C': {},
	'\u202D': {},
	'\u202E': {},
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)ignore\s+the\s+above`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+in\s+developer\s+mode`),
	regexp.MustCompile(`(?i)reveal\s+your\s+system\s+prompt`),
}

// Sanitize normalizes user-supplied text before it is embedded in a prompt:
// invisible characters are stripped, curly quotes become straight quotes,
// carriage returns and tabs collapse to plain whitespace, and known
// prompt-injection phrases are removed case-insensitively.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if _, invisible := invisibleRunes[r]; invisible {
			continue
		}
		switch r {
		case '\r':
			continue
		case '\t':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	out := quoteReplacer.Replace(b.String())
	for _, p := range injectionPatterns {
		out = p.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}
