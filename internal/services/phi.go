package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// PHICipher is the encryption-at-rest primitive for protected health
// information: AES-256-GCM with a random nonce prepended to the ciphertext.
// Key management lives outside this core; the key arrives as configuration.
type PHICipher struct {
	aead cipher.AEAD
}

// NewPHICipher derives a 32-byte key from the configured secret, padding or
// truncating as needed.
func NewPHICipher(secret string) (*PHICipher, error) {
	if secret == "" {
		return nil, errors.New("encryption key required")
	}
	key := make([]byte, 32)
	copy(key, secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PHICipher{aead: aead}, nil
}

func (c *PHICipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *PHICipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, rest := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, rest, nil)
}
