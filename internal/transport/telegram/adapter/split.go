package adapter

import (
	"strconv"
	"strings"
)

const textLimit = 4000

func itoa(v int) string { return strconv.Itoa(v) }

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. For HTML it avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if nl := lastIndex(rs[start:end], '\n'); nl >= limit/3 {
				end = start + nl + 1
			}
			if html {
				open, closed := lastIndex(rs[start:end], '<'), lastIndex(rs[start:end], '>')
				if open > closed && open > 1 {
					end = start + open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
