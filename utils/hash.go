package utils

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// ContentHash returns the hex SHA-256 digest of the exact content bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyContentHash reports whether content hashes to expected. An optional
// 0x prefix and letter case are ignored.
func VerifyContentHash(content []byte, expected string) bool {
	expected = strings.ToLower(strings.TrimPrefix(expected, "0x"))
	if len(expected) != sha256.Size*2 || !isHexString(expected) {
		return false
	}
	actual := ContentHash(content)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}
