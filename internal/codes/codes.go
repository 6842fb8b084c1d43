package codes

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is the 32-character set used for session codes and network tokens.
// Visually confusable characters (0, O, I, 1) are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultLength is the length of generated session codes and network tokens.
const DefaultLength = 8

// SecureCode draws length characters from Alphabet using crypto/rand.
// Codes act as shared secrets, so a CSPRNG is required here.
func SecureCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("codes: invalid length %d", length)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("codes: read random bytes: %w", err)
	}
	var b strings.Builder
	b.Grow(length)
	for _, c := range buf {
		b.WriteByte(Alphabet[int(c)%len(Alphabet)])
	}
	return b.String(), nil
}

// Valid reports whether s is a plausible code: correct length and
// drawn entirely from Alphabet.
func Valid(s string) bool {
	if len(s) != DefaultLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
