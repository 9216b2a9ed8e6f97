package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain name untouched", "Alice", "Alice"},
		{"whitespace trimmed", "  Alice  ", "Alice"},
		{"html escaped", "<b>Alice</b>", "&lt;b&gt;Alice&lt;/b&gt;"},
		{"quotes doubled", "O'Brien", "O''Brien"},
		{"semicolons dropped", "Alice; DROP TABLE calls", "Alice DROP TABLE calls"},
		{"control characters stripped", "Ali\x00ce\n", "Alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeString(tt.input))
		})
	}
}

func TestStripControlCharacters(t *testing.T) {
	assert.Equal(t, "abc", StripControlCharacters("a\x1fb\x7fc"))
}
