package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"runtime"

	"gradeassist-desktop/internal/logging"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "gradeassist-desktop"
	keystoreUser    = "token-encryption-key"

	// EnvKey overrides the keychain, mainly for development and tests
	EnvKey = "ENCRYPTION_KEY"
)

// LoadVault resolves the encryption key and returns a ready vault.
// Priority:
// 1. ENCRYPTION_KEY environment variable
// 2. System keychain
// 3. Generate a new key and store it in the keychain
func LoadVault() (*Vault, error) {
	if secret := os.Getenv(EnvKey); secret != "" {
		return NewVault(DeriveKey(secret))
	}

	key, err := loadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewVault(key)
}

// loadOrCreateKey reads the key from the keychain, creating one on first use
func loadOrCreateKey() ([]byte, error) {
	stored, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && stored != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(stored)
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		logging.DefaultLogger.Warn("Stored encryption key is unreadable, generating a new one")
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		logging.DefaultLogger.Warnf("Keystore warning: %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Linux desktops without a secret service can still run with a per-launch key
		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
		logging.DefaultLogger.Warnf("Failed to store key in keychain, saved tokens will not survive a restart: %v", err)
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
