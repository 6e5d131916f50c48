package agent

import "strings"

// englishWakeWords match case-insensitively. Longer phrases come first.
var englishWakeWords = []string{"hello bot", "hey bot", "hi bot"}

// hebrewWakeWords match exactly.
var hebrewWakeWords = []string{"הלו בוט", "היי בוט", "הי בוט"}

// CheckWakeWord reports whether content starts with a wake phrase and
// returns the remainder with leading whitespace removed. Without a match
// the content is returned unchanged.
func CheckWakeWord(content string) (bool, string) {
	normalized := strings.TrimSpace(content)
	if normalized == "" {
		return false, content
	}

	for _, w := range englishWakeWords {
		if len(normalized) >= len(w) && strings.EqualFold(normalized[:len(w)], w) {
			return true, strings.TrimLeft(normalized[len(w):], " \t\r\n")
		}
	}
	for _, w := range hebrewWakeWords {
		if rest, ok := strings.CutPrefix(normalized, w); ok {
			return true, strings.TrimLeft(rest, " \t\r\n")
		}
	}
	return false, content
}
