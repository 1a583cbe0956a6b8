// utils/address.go - Address canonicalization for geocoding cache keys
package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var diacriticsRemover = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeAddress canonicalizes a raw address for cache lookups: lowercase,
// diacritics stripped, punctuation removed, whitespace collapsed. Distinct
// raw strings may normalize to the same value; that is the point.
func NormalizeAddress(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	if stripped, _, err := transform.String(diacriticsRemover, s); err == nil {
		s = stripped
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == ',' || r == '.' || r == '-' || r == '/':
			// Separators collapse to a single space.
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			// Remaining punctuation drops entirely.
		}
	}
	return strings.TrimSpace(b.String())
}
