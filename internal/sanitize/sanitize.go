package sanitize

import (
	"strings"
	"unicode"
)

const (
	// FileComponentMaxLength bounds each name component embedded in a
	// recording filename.
	FileComponentMaxLength = 30
	defaultFileComponent   = "unnamed"
)

// FileComponent normalizes value into a filesystem- and URL-safe filename
// component. Whitespace becomes underscores, anything outside
// [A-Za-z0-9._-] is dropped, and the result is capped at
// FileComponentMaxLength bytes.
func FileComponent(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	res := strings.Trim(b.String(), "._")
	if res == "" {
		return defaultFileComponent
	}
	if len(res) > FileComponentMaxLength {
		res = res[:FileComponentMaxLength]
	}
	return res
}

// TrimToRunes trims surrounding whitespace and limits result to maxRunes.
func TrimToRunes(value string, maxRunes int) string {
	value = strings.TrimSpace(value)
	if value == "" || maxRunes <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= maxRunes {
		return value
	}
	return strings.TrimSpace(string(runes[:maxRunes]))
}
