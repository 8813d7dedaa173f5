package util

import "strings"

// MaskIdentifier redacts an email address or phone number for logging.
// Only a short prefix survives; the plaintext identifier must never appear
// in full in any log line.
func MaskIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ""
	}

	keep := 4
	if len(identifier) < 8 {
		keep = 2
	}
	if len(identifier) <= keep {
		return strings.Repeat("*", len(identifier))
	}
	return identifier[:keep] + "****"
}

// SanitizeIdentifier normalizes user-supplied identifiers before they reach
// the OTP core or the identity store.
func SanitizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
