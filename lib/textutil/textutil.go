// Package textutil holds the fuzzy text matching shared by the login
// heuristics.
package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize lowercases and collapses whitespace runs so marker phrases
// match regardless of how the markup formats them.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// ContainsAny reports whether the normalized text contains any of the
// normalized markers.
func ContainsAny(text string, markers []string) bool {
	text = Normalize(text)
	for _, m := range markers {
		if strings.Contains(text, Normalize(m)) {
			return true
		}
	}
	return false
}
