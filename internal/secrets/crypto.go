// Package secrets seals secret values with AES-256-GCM and exposes the
// decrypted name→value mapping the sandbox providers consume.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrKeyVersionMismatch is returned when a ciphertext was sealed with a
// different key version than the one currently loaded.
var ErrKeyVersionMismatch = errors.New("secrets: ciphertext sealed with a different key version")

// Cipher seals and opens secret values with one versioned AES-256 key.
type Cipher struct {
	key     []byte
	version int
}

// NewCipher builds a cipher from a base64-encoded 32-byte key. The version
// is recorded on every sealed value so rotation mistakes fail loudly instead
// of producing garbage.
func NewCipher(keyB64 string, version int) (*Cipher, error) {
	if keyB64 == "" {
		return nil, errors.New(
			"RELAY_ENCRYPTION_KEY is not set; generate one with:\n" +
				"  head -c 32 /dev/urandom | base64")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("RELAY_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("RELAY_ENCRYPTION_KEY must decode to exactly 32 bytes, got %d", len(key))
	}
	if version <= 0 {
		version = 1
	}
	return &Cipher{key: key, version: version}, nil
}

// KeyVersion returns the version of the loaded key.
func (c *Cipher) KeyVersion() int { return c.version }

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create gcm: %w", err)
	}

	// A unique nonce per encryption is critical for GCM; never reuse one
	// with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value sealed by Seal. keyVersion is the version recorded
// when the value was sealed; a mismatch fails before any decryption attempt.
func (c *Cipher) Open(sealedB64 string, keyVersion int) (string, error) {
	if keyVersion != c.version {
		return "", fmt.Errorf("%w (sealed with v%d, loaded v%d)", ErrKeyVersionMismatch, keyVersion, c.version)
	}

	data, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("secrets: ciphertext too short to contain nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}
