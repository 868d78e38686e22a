package resources

import (
	"slices"
	"strings"
	"unicode"
)

// ParseLabel splits a label expression into lower-cased tokens. Tokens are
// separated by whitespace or commas; duplicates are dropped, order is kept.
func ParseLabel(expr string) []string {
	fields := strings.FieldsFunc(expr, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	return NormalizeLabels(fields)
}

// NormalizeLabels lower-cases and de-duplicates labels, keeping first-seen order.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		for _, t := range strings.FieldsFunc(l, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }) {
			t = strings.ToLower(t)
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}
