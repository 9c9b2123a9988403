// Package secret generates API key secrets and their one-way hashes.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Tag namespaces every issued key.
	Tag = "ak_"

	entropyBytes = 32
	prefixChars  = 6
)

// MinLength is the length of a well-formed raw key.
var MinLength = len(Tag) + base64.RawURLEncoding.EncodedLen(entropyBytes)

// Generate returns a new raw key: the namespace tag followed by 32 random
// bytes in unpadded URL-safe base64.
func Generate() (string, error) {
	b := make([]byte, entropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return Tag + base64.RawURLEncoding.EncodeToString(b), nil
}

// Prefix returns the non-secret display fragment of raw.
func Prefix(raw string) string {
	n := len(Tag) + prefixChars
	if len(raw) < n {
		return raw
	}
	return raw[:n]
}

// Hash returns the hex SHA-256 digest of the full raw key.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether raw hashes to hash, in constant time.
func Verify(raw, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(raw)), []byte(hash)) == 1
}

// WellFormed reports whether raw carries the namespace tag and enough
// characters to be an issued key.
func WellFormed(raw string) bool {
	return strings.HasPrefix(raw, Tag) && len(raw) >= MinLength
}
