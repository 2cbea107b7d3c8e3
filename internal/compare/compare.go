// Package compare ranks display values so that sibling order can be derived
// at read time instead of being stored.
//
// Every comparator returns a negative number when a sorts before b, a positive
// number when b sorts first, and 0 when the comparator has no opinion. Ordered
// chains comparators so that the first non-zero answer wins.
package compare

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Func compares two display values.
type Func func(a, b string) int

var (
	regexPunctuation       = regexp.MustCompile(`^[!@#$%^&*()\-_=+\[\]{};:'"<>.,?\\/]`)
	regexShortDateWithDash = regexp.MustCompile(`\d{1,2}-\d{1,2}`)
	regexShortDateSlash    = regexp.MustCompile(`\d{1,2}/\d{1,2}`)
	regexNumber            = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	regexCurrencyPrefix    = regexp.MustCompile(`^[$₹₤₱₠₪₨€#] ?`)
	regexNumberRange       = regexp.MustCompile(`^(\d+)\s*[-–—]\s*\d+$`)
)

// dateLayouts are tried in order by ParseDate.
var dateLayouts = []string{
	"1/2/2006",
	"1-2-2006",
	"2006-01-02",
	"2006/01/02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	time.RFC3339,
}

// Basic compares with the < and > operators.
func Basic[T int | float64 | string](a, b T) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// Ordered builds a composite comparator that consults each comparator in turn
// and returns the first non-zero result.
func Ordered(cmps ...Func) Func {
	return func(a, b string) int {
		for _, cmp := range cmps {
			if r := cmp(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

// Reverse flips a comparator.
func Reverse(cmp Func) Func {
	return func(a, b string) int { return cmp(b, a) }
}

// preferTrue sorts the value that satisfies pred ahead of the one that does not.
func preferTrue(pred func(string) bool) Func {
	return func(a, b string) int {
		pa, pb := pred(a), pred(b)
		switch {
		case pa && !pb:
			return -1
		case pb && !pa:
			return 1
		}
		return 0
	}
}

// Empty sorts empty values ahead of non-empty values.
var Empty = preferTrue(func(s string) bool { return s == "" })

// Punctuation sorts values that start with punctuation ahead of others.
var Punctuation = preferTrue(regexPunctuation.MatchString)

// MetaAttribute sorts meta attributes (values starting with "=") above everything.
var MetaAttribute = preferTrue(IsMetaAttribute)

// Emoji sorts values that start with an emoji ahead of others.
var Emoji = preferTrue(StartsWithEmoji)

// NumberAndOther sorts numbers ahead of non-numbers.
var NumberAndOther = preferTrue(func(s string) bool {
	_, ok := ToNumber(s)
	return ok
})

// DateAndOther sorts dates ahead of non-dates.
var DateAndOther = preferTrue(func(s string) bool {
	_, ok := ParseDate(s)
	return ok
})

// Numbers orders two numeric values numerically. Non-numbers compare equal.
func Numbers(a, b string) int {
	na, oka := ToNumber(a)
	nb, okb := ToNumber(b)
	if !oka || !okb {
		return 0
	}
	return Basic(na, nb)
}

// DateStrings orders two date values chronologically. Non-dates compare equal.
func DateStrings(a, b string) int {
	da, oka := ParseDate(a)
	db, okb := ParseDate(b)
	if !oka || !okb {
		return 0
	}
	return da.Compare(db)
}

// Lowercase is a case-insensitive lexicographic comparator.
func Lowercase(a, b string) int {
	return Basic(strings.ToLower(a), strings.ToLower(b))
}

// readableText orders numbers first, then dates, then case-insensitive text.
var readableText = Ordered(NumberAndOther, Numbers, DateAndOther, DateStrings, Lowercase)

// Reasonable compares by human-readable value:
//  1. empty
//  2. punctuation
//  3. meta attributes
//  4. emoji
//  5. numbers, dates and text on the normalized value
var Reasonable = Ordered(
	Empty,
	Punctuation,
	MetaAttribute,
	Emoji,
	func(a, b string) int { return readableText(Normalize(a), Normalize(b)) },
)

// IsMetaAttribute reports whether a value names a meta attribute such as "=pin".
func IsMetaAttribute(s string) bool {
	return strings.HasPrefix(s, "=")
}

// ToNumber converts a numeric display value. Currency and "#" prefixes are
// stripped and a range such as "3-5" yields its start.
func ToNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = regexCurrencyPrefix.ReplaceAllString(s, "")
	s = regexNumberRange.ReplaceAllString(s, "$1")
	if !regexNumber.MatchString(s) {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseDate parses a date display value. Short month/day forms ("2/1", "2-1")
// are completed with the current year.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	candidates := []string{s}
	year := strconv.Itoa(time.Now().Year())
	switch {
	case regexShortDateWithDash.MatchString(s):
		candidates = append(candidates, s+"-"+year)
	case regexShortDateSlash.MatchString(s):
		candidates = append(candidates, s+"/"+year)
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// StartsWithEmoji reports whether the first rune of s is an emoji.
func StartsWithEmoji(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != utf8.RuneError && isEmoji(r)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x200D || r == 0xFE0F:
		return true
	}
	return unicode.Is(unicode.So, r)
}
