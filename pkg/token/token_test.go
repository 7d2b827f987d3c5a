package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateTokenIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := GenerateToken()
		assert.Len(t, tok, 64)
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Short("abc"))
	assert.Equal(t, "01234567...", Short("0123456789abcdef"))
}
