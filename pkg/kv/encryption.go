package kv

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations follows the OWASP 2023 recommendation for SHA-256.
	pbkdf2Iterations = 600_000
	saltFileName     = "db.salt"
	saltSize         = 32
	keySize          = 32
)

// DeriveEncryptionKey derives a 32-byte AES key from a password and salt.
func DeriveEncryptionKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

// LoadOrCreateSalt returns the salt persisted in dataDir, creating one on
// first use. Losing the salt file makes the data unreadable.
func LoadOrCreateSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, saltFileName)
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read encryption salt: %w", err)
	}
	if err == nil {
		return nil, fmt.Errorf("encryption salt %s has %d bytes, want %d", path, len(salt), saltSize)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save encryption salt: %w", err)
	}
	return salt, nil
}
