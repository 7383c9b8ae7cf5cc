package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// EncryptionKeySize is the AES-256 key length in bytes.
const EncryptionKeySize = 32

// TokenEncryption seals upstream tokens held by a shared store with
// AES-256-GCM. A zero-length key disables it and values pass through.
type TokenEncryption struct {
	aead cipher.AEAD
}

// NewTokenEncryption creates a sealer for key. An empty key returns a
// pass-through instance.
func NewTokenEncryption(key []byte) (*TokenEncryption, error) {
	if len(key) == 0 {
		return &TokenEncryption{}, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d bytes", EncryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &TokenEncryption{aead: aead}, nil
}

// Enabled reports whether values are actually sealed.
func (e *TokenEncryption) Enabled() bool {
	return e != nil && e.aead != nil
}

// Encrypt returns base64(nonce || ciphertext || tag).
func (e *TokenEncryption) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *TokenEncryption) Decrypt(encoded string) (string, error) {
	if !e.Enabled() || encoded == "" {
		return encoded, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// sealCode returns a copy of c with its upstream tokens encrypted.
func (e *TokenEncryption) sealCode(c *AuthorizationCode) (*AuthorizationCode, error) {
	out := *c
	fields := []*string{&out.UpstreamAccessToken, &out.UpstreamRefreshToken, &out.UpstreamIDToken}
	for _, f := range fields {
		v, err := e.Encrypt(*f)
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return &out, nil
}

// openCode decrypts the upstream tokens of c in place.
func (e *TokenEncryption) openCode(c *AuthorizationCode) error {
	fields := []*string{&c.UpstreamAccessToken, &c.UpstreamRefreshToken, &c.UpstreamIDToken}
	for _, f := range fields {
		v, err := e.Decrypt(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// GenerateEncryptionKey returns a random AES-256 key. Persist it; a new key
// on every start makes in-flight codes unreadable.
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// EncryptionKeyFromBase64 decodes a configured key. Empty input disables
// encryption.
func EncryptionKeyFromBase64(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d bytes", EncryptionKeySize, len(key))
	}
	return key, nil
}

// EncryptionKeyToBase64 encodes a key for configuration files.
func EncryptionKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
