package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	raw, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, Tag))
	assert.Len(t, raw, MinLength)
	assert.True(t, WellFormed(raw))
	assert.NotContains(t, raw, "=")
	assert.NotContains(t, raw, "+")
	assert.NotContains(t, raw, "/")
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		raw, err := Generate()
		require.NoError(t, err)
		h := Hash(raw)
		require.False(t, seen[h], "duplicate hash after %d keys", i)
		seen[h] = true
	}
}

func TestPrefix(t *testing.T) {
	raw, err := Generate()
	require.NoError(t, err)

	p := Prefix(raw)
	assert.Len(t, p, len(Tag)+6)
	assert.True(t, strings.HasPrefix(raw, p))
	assert.Equal(t, "ak_", Prefix("ak_"))
}

func TestHashDeterministic(t *testing.T) {
	raw := "ak_" + strings.Repeat("x", 43)
	assert.Equal(t, Hash(raw), Hash(raw))
	assert.Len(t, Hash(raw), 64)
	assert.NotEqual(t, Hash(raw), Hash(raw+"y"))
}

func TestVerify(t *testing.T) {
	raw, err := Generate()
	require.NoError(t, err)
	h := Hash(raw)

	assert.True(t, Verify(raw, h))
	assert.False(t, Verify(raw+"x", h))
	assert.False(t, Verify(raw, ""))
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"empty", "", false},
		{"tag only", "ak_", false},
		{"wrong tag", "sk_" + strings.Repeat("a", 43), false},
		{"too short", "ak_" + strings.Repeat("a", 42), false},
		{"exact", "ak_" + strings.Repeat("a", 43), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WellFormed(tt.raw))
		})
	}
}
