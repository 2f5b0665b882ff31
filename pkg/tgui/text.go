package tgui

import "unicode/utf8"

// TruncRunes keeps at most n runes of s, marking a cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for pos := range s {
		if seen == n {
			return s[:pos] + "…"
		}
		seen++
	}
	return s
}
