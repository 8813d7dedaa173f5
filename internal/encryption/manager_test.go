package encryption

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assist-auth/internal/config"
)

func newLocalManager() *Manager {
	return NewManager(config.KMSConfig{Enabled: false}, nil)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	data, err := m.EncryptField(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, data.EncryptedValue)
	assert.NotEmpty(t, data.EncryptedDEK)
	assert.NotEmpty(t, data.KeyID)
	assert.Equal(t, "v1", data.Version)

	plaintext, err := m.DecryptField(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", plaintext)
}

func TestCiphertextDiffersFromPlaintext(t *testing.T) {
	m := newLocalManager()

	data, err := m.EncryptField(context.Background(), "secret-value")
	require.NoError(t, err)
	assert.NotContains(t, data.EncryptedValue, "secret-value")
}

func TestEachFieldGetsFreshKey(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	a, err := m.EncryptField(ctx, "same input")
	require.NoError(t, err)
	b, err := m.EncryptField(ctx, "same input")
	require.NoError(t, err)

	assert.NotEqual(t, a.EncryptedDEK, b.EncryptedDEK)
	assert.NotEqual(t, a.EncryptedValue, b.EncryptedValue)
}

func TestDecryptAfterCacheClear(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	data, err := m.EncryptField(ctx, "persists across cache clears")
	require.NoError(t, err)

	m.ClearCache()

	plaintext, err := m.DecryptField(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "persists across cache clears", plaintext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	data, err := m.EncryptField(ctx, "tamper target")
	require.NoError(t, err)
	m.ClearCache()

	raw, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	data.EncryptedValue = base64.StdEncoding.EncodeToString(raw)

	_, err = m.DecryptField(ctx, data)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
