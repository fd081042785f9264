// Package secrets provides field-level encryption for stored credentials
// (TOTP secrets, phone numbers). The contract is Encrypt/Decrypt on strings;
// key management stays at the process boundary.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Encryptor encrypts and decrypts short secret strings.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var (
	ErrInvalidKey        = errors.New("secrets: encryption key must be 32 bytes of hex")
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)

// AESGCM implements Encryptor with AES-256-GCM and a random nonce per value.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an encryptor from a hex-encoded 256-bit key. A bad or
// missing key is a startup configuration error: callers must fail fast.
func NewAESGCM(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

var _ Encryptor = (*AESGCM)(nil)

func (e *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (e *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
