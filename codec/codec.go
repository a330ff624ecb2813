// Package codec seals message payloads before they are persisted and opens
// them again on delivery.
//
// A sealed payload is the hex nonce and the hex XChaCha20-Poly1305 output
// joined by a colon, so every value decodes on its own with only the key.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"chatrelay/apperr"
)

// KeySize is the length of the process-wide secret in bytes.
const KeySize = chacha20poly1305.KeySize

const delimiter = ":"

// Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a hex encoded 32 byte key.
func New(hexKey string) (*Codec, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, apperr.ErrCodec.Wrapf("encryption key is not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, apperr.ErrCodec.Wrapf("encryption key is not hex: %v", err)
	}
	if len(key) != KeySize {
		return nil, apperr.ErrCodec.Wrapf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperr.ErrCodec.Wrap(err)
	}
	return &Codec{aead: aead}, nil
}

// GenerateKey returns a fresh random key in the hex form New accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext under a fresh nonce.
func (c *Codec) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.ErrCodec.Wrap(err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + delimiter + hex.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *Codec) Open(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, delimiter)
	if len(parts) != 2 {
		return "", apperr.ErrCodec.Wrapf("expected nonce%spayload, got %d parts", delimiter, len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", apperr.ErrCodec.Wrapf("nonce: %v", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", apperr.ErrCodec.Wrapf("nonce must be %d bytes, got %d", c.aead.NonceSize(), len(nonce))
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", apperr.ErrCodec.Wrapf("payload: %v", err)
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperr.ErrCodec.Wrap(err)
	}
	return string(plain), nil
}
