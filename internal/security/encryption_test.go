package security

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *EncryptionConfig {
	cfg := DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}

func newTestVault(t *testing.T, secret string) *Vault {
	t.Helper()
	v, err := NewVault([]byte(secret), testConfig())
	require.NoError(t, err)
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef-secret")
	plaintext := []byte(`{"key":"LIC-AAAA-BBBB-CCCC-DDDD"}`)

	sealed, err := v.SealString(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "LIC-")

	opened, err := v.OpenString(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestVaultReusesKeyForLastSalt(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef-secret")
	sealed, err := v.SealString([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v.derivations.Load())

	for i := 0; i < 5; i++ {
		opened, err := v.OpenString(sealed)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), opened)
	}
	assert.Equal(t, int64(1), v.derivations.Load(), "reopening the last payload derives nothing")

	other := newTestVault(t, "0123456789abcdef-secret")
	foreign, err := other.SealString([]byte("other"))
	require.NoError(t, err)
	_, err = v.OpenString(foreign)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.derivations.Load(), "a new salt derives a new key")

	_, err = v.OpenString(sealed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.derivations.Load())
}

func TestVaultFreshNonce(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef-secret")

	a, err := v.SealString([]byte("same"))
	require.NoError(t, err)
	b, err := v.SealString([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVaultRejects(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef-secret")
	sealed, err := v.Seal([]byte("payload"))
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other := newTestVault(t, "fedcba9876543210-secret")
		_, err := other.Open(sealed)
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("flipped byte", func(t *testing.T) {
		corrupt := *sealed
		corrupt.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
		corrupt.Ciphertext[0] ^= 0xff
		_, err := v.Open(&corrupt)
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("bad version", func(t *testing.T) {
		corrupt := *sealed
		corrupt.Version = 2
		_, err := v.Open(&corrupt)
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := v.OpenString("%%%")
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := v.OpenString(base64.StdEncoding.EncodeToString([]byte("nope")))
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("short nonce", func(t *testing.T) {
		corrupt := *sealed
		corrupt.Nonce = corrupt.Nonce[:4]
		data, _ := json.Marshal(corrupt)
		_, err := v.OpenString(base64.StdEncoding.EncodeToString(data))
		assert.ErrorIs(t, err, ErrCiphertext)
	})
}

func TestNewVaultValidation(t *testing.T) {
	_, err := NewVault([]byte("short"), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.SCryptN = 1000
	_, err = NewVault([]byte("0123456789abcdef"), cfg)
	assert.Error(t, err)

	assert.NoError(t, ValidateEncryptionConfig(DefaultEncryptionConfig()))
	assert.Error(t, ValidateEncryptionConfig(nil))
}

func TestIntegrityTag(t *testing.T) {
	key := []byte("integrity-key")
	data := []byte(`{"max_devices":1}`)

	tag := IntegrityTag(key, data)
	assert.Len(t, tag, 64)
	assert.True(t, VerifyIntegrityTag(key, data, tag))
	assert.False(t, VerifyIntegrityTag(key, []byte(`{"max_devices":9}`), tag))
	assert.False(t, VerifyIntegrityTag([]byte("other"), data, tag))
}
