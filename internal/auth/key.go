package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyPathForDB returns the path of the per-install key file that lives next to the database.
func KeyPathForDB(dbPath string) string {
	return dbPath + ".key"
}

// LoadOrCreateKey loads the install key from keyPath, creating a new random key if the
// file does not exist. The key is stored base64 encoded with 0600 permissions.
func LoadOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := parseKeyFile(data)
		if err != nil {
			return nil, fmt.Errorf("invalid key file %s: %w", keyPath, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file %s: %w", keyPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file %s: %w", keyPath, err)
	}
	return key, nil
}

// parseKeyFile accepts a base64-encoded key or a raw value of at least 16 bytes.
func parseKeyFile(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("key file is empty")
	}

	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) >= 16 {
		return decoded, nil
	}

	if len(trimmed) < 16 {
		return nil, fmt.Errorf("key must be at least 16 bytes")
	}
	return []byte(trimmed), nil
}
