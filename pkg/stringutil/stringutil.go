// Package stringutil holds small string helpers for CLI output.
package stringutil

import "strings"

// Ellipsis collapses s to a single trimmed line of at most maxLength
// characters, appending "..." when it had to cut. When maxLength leaves no
// room for the ellipsis the string is truncated bare.
func Ellipsis(s string, maxLength int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")

	if maxLength < 0 {
		return ""
	}
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 { // Not enough space for "..."
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
