package keygen

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals private keys with XChaCha20-Poly1305. The stored form is
// nonce || ciphertext; the key address is bound as associated data so a sealed
// key cannot be moved to another row.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromHex builds a cipher from a hex encoded 32-byte key.
func NewCipherFromHex(keyHex string) (*Cipher, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, errors.New("encryption key is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return NewCipher(key)
}

func (c *Cipher) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (c *Cipher) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("sealed key is too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}
	return plain, nil
}
