// Package normalizers canonicalizes contact field values before comparison
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// byFieldCode maps amoCRM field codes to their normalizer
var byFieldCode = map[string]Normalizer{
	"PHONE": NormalizePhone,
	"EMAIL": Identity,
}

// ForFieldCode returns the normalizer for a field code, defaulting to Text
func ForFieldCode(code string) Normalizer {
	if fn, ok := byFieldCode[code]; ok {
		return fn
	}
	return Text
}

// Identity returns the value unchanged
func Identity(s string) string {
	return s
}

// Text trims surrounding whitespace and lower-cases the value
func Text(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DigitsOnly removes all non-digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizePhone keeps digits only and rewrites a leading 8 of an 11-digit
// number to the 7 country code. Applying it twice yields the same result.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '8' {
		return "7" + digits[1:]
	}
	return digits
}
