package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v, err := NewVault(key)
	require.NoError(t, err)
	return v
}

func TestSealOpen(t *testing.T) {
	v := newTestVault(t)

	t.Run("Should encrypt and decrypt successfully", func(t *testing.T) {
		sealed, err := v.Seal("bearer-token-123")
		require.NoError(t, err)
		assert.NotEqual(t, "bearer-token-123", sealed)

		plain, err := v.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "bearer-token-123", plain)
	})

	t.Run("Should produce different ciphertexts for same plaintext", func(t *testing.T) {
		a, err := v.Seal("token")
		require.NoError(t, err)
		b, err := v.Seal("token")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("Should fail gracefully with invalid ciphertext", func(t *testing.T) {
		_, err := v.Open("invalid-base64-data!!!")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode base64")

		_, err = v.Open(base64.StdEncoding.EncodeToString([]byte("short")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ciphertext too short")
	})

	t.Run("Should not open data sealed with another key", func(t *testing.T) {
		sealed, err := newTestVault(t).Seal("token")
		require.NoError(t, err)

		_, err = v.Open(sealed)
		assert.Error(t, err)
	})

	t.Run("Should keep empty tokens empty", func(t *testing.T) {
		sealed, err := v.SealToken("")
		require.NoError(t, err)
		assert.Empty(t, sealed)

		plain, err := v.OpenToken("")
		require.NoError(t, err)
		assert.Empty(t, plain)
	})
}

func TestNewVault(t *testing.T) {
	_, err := NewVault([]byte("too short"))
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	t.Run("Should use a 32 byte base64 key as is", func(t *testing.T) {
		raw := make([]byte, 32)
		_, _ = rand.Read(raw)
		assert.Equal(t, raw, DeriveKey(base64.StdEncoding.EncodeToString(raw)))
	})

	t.Run("Should hash raw strings to 32 bytes", func(t *testing.T) {
		key := DeriveKey("test-encryption-key-raw-string")
		assert.Len(t, key, 32)
		assert.Equal(t, key, DeriveKey("test-encryption-key-raw-string"))
	})
}

func TestLoadVault(t *testing.T) {
	t.Run("Should prefer the environment variable", func(t *testing.T) {
		t.Setenv(EnvKey, "dev-key")
		a, err := LoadVault()
		require.NoError(t, err)

		sealed, err := a.Seal("token")
		require.NoError(t, err)

		b, err := NewVault(DeriveKey("dev-key"))
		require.NoError(t, err)
		plain, err := b.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "token", plain)
	})

	t.Run("Should create and reuse a keychain key", func(t *testing.T) {
		keyring.MockInit()
		t.Setenv(EnvKey, "")

		assert.False(t, IsKeyStored())
		first, err := LoadVault()
		require.NoError(t, err)
		assert.True(t, IsKeyStored())

		sealed, err := first.Seal("token")
		require.NoError(t, err)

		second, err := LoadVault()
		require.NoError(t, err)
		plain, err := second.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "token", plain)

		require.NoError(t, DeleteKey())
		assert.False(t, IsKeyStored())
	})
}
