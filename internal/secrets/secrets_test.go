package secrets

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBox(t *testing.T) *Box {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	b, err := New(key)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	b := newBox(t)

	enc, err := b.Encrypt("super-secret-value-123")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "super-secret")

	dec, err := b.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value-123", dec)
}

func TestNoDoubleEncryption(t *testing.T) {
	b := newBox(t)

	once, err := b.Encrypt("hunter2")
	require.NoError(t, err)
	twice, err := b.Encrypt(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	dec, err := b.Decrypt(twice)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", dec)
}

func TestEmptyAndPlaintextPassThrough(t *testing.T) {
	b := newBox(t)

	enc, err := b.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := b.Decrypt("legacy-plain")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain", dec)
}

func TestNonceIsRandom(t *testing.T) {
	b := newBox(t)
	a, err := b.Encrypt("same")
	require.NoError(t, err)
	c, err := b.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestWrongKeyRejected(t *testing.T) {
	enc, err := newBox(t).Encrypt("secret")
	require.NoError(t, err)

	_, err = newBox(t).Decrypt(enc)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTamperedValueRejected(t *testing.T) {
	b := newBox(t)
	enc, err := b.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(Prefix + "!!not-base64!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = b.Decrypt(Prefix + "AAAA")
	assert.ErrorIs(t, err, ErrMalformed)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, Prefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = b.Decrypt(Prefix + base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBadKeySize(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("c2hvcnQ=\n"), 0o600))
	_, err = LoadOrCreateKey(path)
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestOpenSharesKeyAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	a, err := Open(path)
	require.NoError(t, err)
	enc, err := a.Encrypt("pw")
	require.NoError(t, err)

	b, err := Open(path)
	require.NoError(t, err)
	dec, err := b.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "pw", dec)
}
