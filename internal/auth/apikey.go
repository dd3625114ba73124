package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// APIKeyLength is the length of generated API keys in bytes (hex encoded on output)
const APIKeyLength = 32

// GenerateAPIKey creates a new cryptographically secure API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CheckAPIKey compares a provided key with the configured one in constant time.
// An empty configured key disables the check.
func CheckAPIKey(configured, provided string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}
