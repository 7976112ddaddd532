package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeText makes free text safe to store and render.
// Params: raw text and byte cap (<=0 disables the cap).
// Returns: valid UTF-8 without control characters other than newline and tab, trimmed and capped.
func sanitizeText(raw string, maxBytes int) string {
	text := strings.ToValidUTF8(raw, "\uFFFD")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut])
}
