package token

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken returns a secure random 32-byte hex token.
func GenerateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Short returns the first 8 characters of tok for log output.
func Short(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:8] + "..."
}
