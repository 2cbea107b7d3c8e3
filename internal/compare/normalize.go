package compare

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var regexIgnoredPrefixes = regexp.MustCompile(`(?i)^(the )(.*)`)

// Normalize strips emoji, surrounding whitespace, a leading "the " and
// diacritics so that values compare by their readable text.
func Normalize(s string) string {
	s = strings.TrimSpace(RemoveEmoji(s))
	s = regexIgnoredPrefixes.ReplaceAllString(s, "$2")
	return RemoveDiacritics(s)
}

// RemoveEmoji drops every emoji rune, including joiners and variation selectors.
func RemoveEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, s)
}

// RemoveDiacritics decomposes s and drops combining marks.
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
