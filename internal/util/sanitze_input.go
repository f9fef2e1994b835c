package util

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeInput trims chat input and escapes HTML so it can be echoed back
// inside an HTML-formatted message.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious flags markup or template fragments that never appear in
// a legitimate phone, account or QR payload.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// StripSpaces removes whitespace and dashes, so "0712 345-678" becomes "0712345678".
func StripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, s)
}
