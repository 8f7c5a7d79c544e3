// Package phone normalizes dial strings to E.164.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalize converts a raw dial string to E.164 ("+79991234567").
//
// It first attempts a full parse with the given region hint, which handles
// national prefixes ("8...", "+7..."). Numbers that the parser rejects but
// that still carry digits are trusted as-is: the digits are kept and a "+"
// is prepended. Returns "" when no digits remain.
func Normalize(raw, regionHint string) string {
	if raw == "" {
		return ""
	}

	if parsed, err := phonenumbers.Parse(raw, regionHint); err == nil {
		if phonenumbers.IsValidNumber(parsed) {
			return phonenumbers.Format(parsed, phonenumbers.E164)
		}
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}
