package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Vault encrypts backend tokens with AES-256-GCM before they are stored
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a vault from a 32 byte key
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: gcm}, nil
}

// DeriveKey turns a configured secret into an AES-256 key. A base64 string
// of exactly 32 bytes is used as is; anything else is hashed with SHA-256.
func DeriveKey(secret string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil {
		if len(raw) == 32 {
			return raw
		}
		hash := sha256.Sum256(raw)
		return hash[:]
	}
	hash := sha256.Sum256([]byte(secret))
	return hash[:]
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext)
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (v *Vault) Open(sealedB64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// SealToken encrypts a backend token. Empty tokens stay empty.
func (v *Vault) SealToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return v.Seal(token)
}

// OpenToken decrypts a stored backend token. Empty values stay empty.
func (v *Vault) OpenToken(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	return v.Open(sealed)
}
