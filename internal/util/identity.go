package util

import (
	"strings"

	"github.com/google/uuid"
)

// E.164 bounds on the number of digits in a phone-number identity.
const (
	MinIdentityDigits = 6
	MaxIdentityDigits = 15
)

// Digits returns s with every non-digit character removed.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalIdentity reduces a provider sender id ("+1 555-123", "whatsapp:+1555...")
// to its digits and reports whether the result is a plausible phone number.
func CanonicalIdentity(raw string) (string, bool) {
	d := Digits(raw)
	if len(d) < MinIdentityDigits || len(d) > MaxIdentityDigits {
		return d, false
	}
	return d, true
}

// MaskIdentity keeps only the last four characters of an identity for log output.
func MaskIdentity(id string) string {
	if len(id) <= 4 {
		return id
	}
	return "..." + id[len(id)-4:]
}

// CorrelationID returns a short id tying a user-facing error to its log entries.
func CorrelationID() string {
	return uuid.NewString()[:8]
}
