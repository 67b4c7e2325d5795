// Package phone canonicalizes raw phone number input into the international
// form used as the key for OTP, cache, rate-limit, and audit lookups (spec
// §4.6).
package phone

import (
	"strings"
)

// countryDialCodes maps the two-letter country codes this service needs to
// support to their E.164 calling codes. Only a small, explicit set is
// supported — there is no general libphonenumber-style metadata table here,
// matching the spec's minimal normalization contract.
var countryDialCodes = map[string]string{
	"IN": "91",
	"US": "1",
	"GB": "44",
	"AE": "971",
	"SG": "65",
}

// Result is the outcome of normalizing a raw phone number.
type Result struct {
	IsValid    bool
	Normalized string
	Error      string
}

// Normalize converts a raw phone number into canonical international form:
// a leading '+' followed by digits only. Accepts input containing digits,
// spaces, '+', '-', '(', ')'. countryCode defaults to "IN" when empty.
// Validation requires 10-15 digits after canonicalization.
func Normalize(raw string, countryCode string) Result {
	if countryCode == "" {
		countryCode = "IN"
	}
	countryCode = strings.ToUpper(countryCode)

	digits := extractDigits(raw)
	if digits == "" {
		return Result{Error: "phone number contains no digits"}
	}

	hadLeadingPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	var normalized string
	switch {
	case hadLeadingPlus:
		normalized = "+" + digits
	default:
		dial, ok := countryDialCodes[countryCode]
		if !ok {
			return Result{Error: "unsupported country code: " + countryCode}
		}
		if strings.HasPrefix(digits, dial) && len(digits) > len(dial) {
			// Already includes the dial code without a '+' prefix (e.g. 919876543210).
			normalized = "+" + digits
		} else {
			normalized = "+" + dial + digits
		}
	}

	numDigits := len(normalized) - 1 // exclude leading '+'
	if numDigits < 10 || numDigits > 15 {
		return Result{Error: "phone number must have 10-15 digits"}
	}

	return Result{IsValid: true, Normalized: normalized}
}

func extractDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
