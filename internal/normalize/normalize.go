package normalize

import (
	"strings"
	"unicode"
)

// UserID returns the canonical form of an external identity id. Identity
// providers issue case-sensitive ids ("auth0|5f..."), so only surrounding
// whitespace is removed.
func UserID(id string) string {
	return strings.TrimSpace(id)
}

// Body trims surrounding whitespace from a message body and drops control
// characters other than newlines and tabs.
func Body(b string) string {
	b = strings.TrimSpace(b)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, b)
}
