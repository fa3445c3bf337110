package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	return RandomHex(12)
}

// RandomHex returns n random bytes hex encoded (2n characters).
func RandomHex(n int) string {
	if n <= 0 {
		n = 1
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RandomHexUpper is RandomHex trimmed to length chars and upper-cased.
// Used for SKU suffixes.
func RandomHexUpper(length int) string {
	s := strings.ToUpper(RandomHex((length + 1) / 2))
	if len(s) > length {
		s = s[:length]
	}
	return s
}
