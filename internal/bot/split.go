package bot

import "strings"

// MaxMessageLength is the longest reply sent as a single message.
const MaxMessageLength = 4000

// SplitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		if nl := strings.LastIndex(string(runes[:limit]), "\n"); nl > 0 {
			cut = len([]rune(string(runes[:limit])[:nl])) + 1
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
