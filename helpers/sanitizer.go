package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
)

// HTMLToText reduces an HTML document to readable plain text. ICAP servers
// commonly return an HTML "blocked content" page in the encapsulated response
// body; this extracts a human-readable message from it.
func HTMLToText(html string) string {
	text := html2text.HTML2Text(html)
	return CollapseWhitespace(text)
}

// CollapseWhitespace trims the string and folds runs of whitespace
// (including newlines) into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string
// so it is safe to log and serialize.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// Truncate shortens s to at most max runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
