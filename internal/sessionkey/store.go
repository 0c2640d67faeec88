// Package sessionkey manages delegated session keys: encrypted persistence
// and the create, resume and revoke lifecycle.
package sessionkey

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/kms"
	"github.com/better-wallet/passkey-account/internal/storage"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

const recordPrefix = "sessionKey:"

// Backend is a raw key/value store. Get returns storage.ErrNotFound for a
// missing key.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// EncryptedStore encrypts JSON values before handing them to a Backend.
type EncryptedStore struct {
	backend  Backend
	provider kms.Provider
}

// NewEncryptedStore creates a store.
func NewEncryptedStore(backend Backend, provider kms.Provider) *EncryptedStore {
	return &EncryptedStore{backend: backend, provider: provider}
}

// Put encrypts value and stores it under key. Encryption completes before
// the backend is written.
func (s *EncryptedStore) Put(ctx context.Context, key string, value any) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return apperrors.Storage("encode value", err)
	}
	ciphertext, err := s.provider.Encrypt(ctx, plaintext)
	if err != nil {
		return apperrors.Storage("encrypt value", err)
	}
	if err := s.backend.Put(ctx, key, ciphertext); err != nil {
		return apperrors.Storage("write value", err)
	}
	return nil
}

// Get decrypts the value under key into out. It reports false when the key
// is absent.
func (s *EncryptedStore) Get(ctx context.Context, key string, out any) (bool, error) {
	ciphertext, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, apperrors.Storage("read value", err)
	}
	plaintext, err := s.provider.Decrypt(ctx, ciphertext)
	if err != nil {
		return false, apperrors.Storage("decrypt value", err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return false, apperrors.Storage("decode value", err)
	}
	return true, nil
}

// Remove deletes key.
func (s *EncryptedStore) Remove(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return apperrors.Storage("delete value", err)
	}
	return nil
}

// Record is the persisted form of a session key.
type Record struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	ValidUntil uint64 `json:"validUntil"`
}

// RecordKey is the store key of an account's session key.
func RecordKey(account common.Address) string {
	return recordPrefix + strings.ToLower(account.Hex())
}
