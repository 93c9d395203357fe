// Package auth handles API key generation and hashing.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyBytes is the entropy of a generated key.
const keyBytes = 24

// GenerateKey returns a new random API key, "<prefix>_<hex>". Only its hash is stored.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	if prefix == "" {
		return hex.EncodeToString(buf), nil
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
