package otp

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Codes are the primary credential on the email channel, not a second
// factor, so the space is deliberately large: 36^8 is about 2.8e12.
const (
	codeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateCode returns a random 8-character uppercase alphanumeric code.
func GenerateCode() (string, error) {
	var out strings.Builder
	out.Grow(codeLength)
	buf := make([]byte, 1)
	for out.Len() < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		// Rejection sampling keeps the distribution uniform over the
		// 36-character alphabet.
		if int(buf[0]) >= 252 {
			continue
		}
		out.WriteByte(codeAlphabet[int(buf[0])%len(codeAlphabet)])
	}
	return out.String(), nil
}

// HashCode produces the stored one-way hash of a code. Codes compare
// case-insensitively, so the hash input is normalized first.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(normalizeCode(code)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	return string(hash), nil
}

// compareCode reports whether the submitted code matches the stored hash.
func compareCode(codeHash, submitted string) bool {
	return bcrypt.CompareHashAndPassword([]byte(codeHash), []byte(normalizeCode(submitted))) == nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
