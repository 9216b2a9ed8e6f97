// Package sanitize cleans free-form user input before it is persisted or
// relayed, such as the caller display name carried on call events and push
// notifications.
package sanitize

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeString removes HTML, control characters, and quoting characters
// from free-form input and trims surrounding whitespace.
func SanitizeString(input string) string {
	input = StripControlCharacters(input)
	input = html.EscapeString(input)

	input = strings.ReplaceAll(input, "'", "''")
	input = strings.ReplaceAll(input, "\"", "\"\"")
	input = strings.ReplaceAll(input, ";", "")
	input = strings.ReplaceAll(input, "--", "")

	return strings.TrimSpace(input)
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
