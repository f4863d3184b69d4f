package protocol

import "strings"

// Wire-level field limits. Inbound fields are trimmed and truncated rather
// than rejected; an event whose required field ends up empty is dropped by
// the gateway.
const (
	MaxNameChars = 24  // max display name length in characters
	MaxTextChars = 350 // max message text length in characters
)

// SanitizeName trims surrounding whitespace and truncates the display name
// to MaxNameChars characters. Returns "" for blank input.
func SanitizeName(name string) string {
	return truncate(strings.TrimSpace(name), MaxNameChars)
}

// SanitizeText trims surrounding whitespace and truncates the message text
// to MaxTextChars characters. Returns "" for blank input.
func SanitizeText(text string) string {
	return truncate(strings.TrimSpace(text), MaxTextChars)
}

// truncate cuts s to at most n characters (runes, not bytes, so multi-byte
// input is never split mid-character).
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
