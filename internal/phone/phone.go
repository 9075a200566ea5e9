// Package phone canonicalizes subscriber phone numbers so that policy and
// routing comparisons never depend on how the provider formatted a number.
package phone

import (
	"strings"
)

// Wildcard matches any sender in an allow-list.
const Wildcard = "*"

// Normalize returns the canonical E.164 form of a phone number.
//
// Separators, parentheses, and a leading international "00" prefix are
// stripped. Bare 10-digit numbers and 11-digit numbers starting with 1 are
// treated as NANP and completed to +1. Anything else keeps its digits with a
// "+" prefix. The wildcard passes through unchanged. Two spellings of the
// same subscriber always normalize equal.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == Wildcard {
		return trimmed
	}

	hadPlus := strings.HasPrefix(trimmed, "+")
	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	if number == "" {
		return ""
	}
	if !hadPlus && strings.HasPrefix(number, "00") {
		number = number[2:]
		hadPlus = true
	}
	if !hadPlus {
		switch {
		case len(number) == 10:
			number = "1" + number
		case len(number) == 11 && strings.HasPrefix(number, "1"):
			// Already carries the NANP country code.
		}
	}
	return "+" + number
}

// Equal reports whether two raw phone numbers denote the same subscriber.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// InList reports whether the number matches an entry of the allow-list.
// Entries are normalized before comparison; a wildcard entry matches all.
func InList(number string, list []string) bool {
	normalized := Normalize(number)
	if normalized == "" {
		return false
	}
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == Wildcard {
			return true
		}
		if Normalize(entry) == normalized {
			return true
		}
	}
	return false
}
