package adskit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const tokenCipherKeyLength = 32

// TokenCipher encrypts and decrypts token strings at rest using AES-256-GCM.
// The ciphertext layout is base64(nonce || sealed), with the GCM tag appended
// by Seal. The key is fixed for the process lifetime.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher constructs a TokenCipher from 32 bytes of key material.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != tokenCipherKeyLength {
		return nil, fmt.Errorf("token_cipher.new: %w", ErrCipherInvalidKey)
	}
	block, blockErr := aes.NewCipher(key)
	if blockErr != nil {
		return nil, fmt.Errorf("token_cipher.new: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("token_cipher.new: %w", aeadErr)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals a non-empty plaintext token under a fresh random nonce.
func (tokenCipher *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("token_cipher.encrypt: %w", ErrCipherEmptyInput)
	}
	nonce := make([]byte, tokenCipher.aead.NonceSize())
	if _, randomErr := io.ReadFull(rand.Reader, nonce); randomErr != nil {
		return "", fmt.Errorf("token_cipher.encrypt: %w", randomErr)
	}
	sealed := tokenCipher.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any authentication failure,
// including a legacy plaintext value stored before encryption was introduced,
// surfaces as ErrCipherInvalidCiphertext.
func (tokenCipher *TokenCipher) Decrypt(ciphertext string) (string, error) {
	decoded, decodeErr := base64.StdEncoding.DecodeString(ciphertext)
	if decodeErr != nil {
		return "", fmt.Errorf("token_cipher.decrypt: %w", ErrCipherInvalidCiphertext)
	}
	nonceSize := tokenCipher.aead.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("token_cipher.decrypt: %w", ErrCipherInvalidCiphertext)
	}
	nonce, sealed := decoded[:nonceSize], decoded[nonceSize:]
	plaintext, openErr := tokenCipher.aead.Open(nil, nonce, sealed, nil)
	if openErr != nil {
		return "", fmt.Errorf("token_cipher.decrypt: %w", ErrCipherInvalidCiphertext)
	}
	return string(plaintext), nil
}
