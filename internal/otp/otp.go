// Package otp implements the one-time-password core: code generation,
// salted digest storage, cooldown throttling, attempt-limited verification
// and automatic lockout on an ephemeral key-value store.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DefaultCodeLength is the code width used when none is configured.
const DefaultCodeLength = 6

// GenerateCode returns a uniformly random numeric code of exactly length
// decimal digits, zero-padded, from a cryptographically secure source.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// Digest computes the stored form of a code: hex SHA-256 over code+salt.
// Deterministic for a stable salt, so it survives process restarts; the
// plaintext code is never persisted.
func Digest(code, salt string) string {
	sum := sha256.Sum256([]byte(code + salt))
	return hex.EncodeToString(sum[:])
}

// digestEqual compares two digests without short-circuiting on the first
// differing byte.
func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
