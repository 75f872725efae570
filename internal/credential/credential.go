package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	encryptedPrefix = "enc:"
	keyringPrefix   = "keyring:"
)

// Lookup fetches a secret by name from an external store
type Lookup func(name string) (string, error)

// Resolver turns credential references from the account list into secrets
type Resolver struct {
	key    []byte
	lookup Lookup
}

// NewResolver creates a resolver. encryptionKey may be empty, in which case
// enc: references are rejected. lookup may be nil to disable keyring references.
func NewResolver(encryptionKey string, lookup Lookup) (*Resolver, error) {
	if encryptionKey != "" && len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	return &Resolver{key: []byte(encryptionKey), lookup: lookup}, nil
}

// Resolve returns the secret for ref. Plain values are returned unchanged.
func (r *Resolver) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, encryptedPrefix):
		if len(r.key) == 0 {
			return "", fmt.Errorf("encrypted credential but no encryption key configured")
		}
		return Decrypt(r.key, strings.TrimPrefix(ref, encryptedPrefix))
	case strings.HasPrefix(ref, keyringPrefix):
		if r.lookup == nil {
			return "", fmt.Errorf("keyring credential but keyring is disabled")
		}
		return r.lookup(strings.TrimPrefix(ref, keyringPrefix))
	default:
		return ref, nil
	}
}

// Encrypt encrypts a password using AES-256-GCM and returns an enc: reference
func Encrypt(key []byte, password string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(password), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64 AES-256-GCM payload
func Decrypt(key []byte, encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
