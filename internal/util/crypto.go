package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const tokenBytes = 32

// GenerateToken returns 32 random bytes as hex. Used for API tokens and lock ownership.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// VerifyToken reports whether token hashes to the hex digest hash, ignoring hex case.
func VerifyToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return ConstantTimeEqual(HashToken(token), strings.ToLower(hash))
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ShortHex trims a hex identifier to its head and tail for log output.
func ShortHex(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
