package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Salt is the fixed application-domain salt for key derivation.
	Salt = "walletSessionKey"

	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000

	keySize = 32
)

// LocalProvider encrypts with AES-256-GCM under a key derived from a
// passphrase. Ciphertext is nonce ‖ sealed data.
type LocalProvider struct {
	aead cipher.AEAD
}

// NewLocalProvider derives the encryption key from passphrase.
func NewLocalProvider(passphrase string) (*LocalProvider, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required for local KMS provider")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(Salt), Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &LocalProvider{aead: gcm}, nil
}

// Encrypt seals data under a fresh random nonce.
func (p *LocalProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return p.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (p *LocalProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	nonceSize := p.aead.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name
func (p *LocalProvider) Provider() string {
	return string(ProviderLocal)
}
