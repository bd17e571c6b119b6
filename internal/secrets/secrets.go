// Package secrets encrypts destination credentials at rest with AES-256-GCM
// under a key kept in a local, owner-only file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Prefix marks a value as ciphertext produced by Box.Encrypt.
const Prefix = "enc:v1:"

const keySize = 32

var (
	// ErrMalformed is returned for a prefixed value that does not decode or
	// authenticate under the key.
	ErrMalformed = errors.New("malformed encrypted value")
	// ErrKeySize is returned for a key that is not 32 bytes long.
	ErrKeySize = errors.New("encryption key must be 32 bytes")
)

// IsEncrypted reports whether v carries the ciphertext marker.
func IsEncrypted(v string) bool { return strings.HasPrefix(v, Prefix) }

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey reads the base64 key at path, generating it with 0600
// permissions on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("key file %s: %w", path, ErrKeySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := renameio.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return key, nil
}

// Box encrypts and decrypts individual string values.
type Box struct {
	aead cipher.AEAD
}

// New returns a Box for a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Open loads (or creates) the key file and returns a Box for it.
func Open(keyFile string) (*Box, error) {
	key, err := LoadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt returns Prefix + base64(nonce|ciphertext). Empty values and
// values that are already encrypted are returned unchanged.
func (b *Box) Encrypt(plain string) (string, error) {
	if plain == "" || IsEncrypted(plain) {
		return plain, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A value without the marker is treated as
// plaintext and returned as is.
func (b *Box) Decrypt(v string) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrMalformed)
	}
	plain, err := b.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plain), nil
}
