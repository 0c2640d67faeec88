package keyexec

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/better-wallet/passkey-account/internal/crypto"
	"github.com/better-wallet/passkey-account/internal/kms"
)

// KMSExecutor keeps the bundler key encrypted under a KMS provider and
// decrypts it only for the duration of a signature.
type KMSExecutor struct {
	provider   kms.Provider
	ciphertext []byte
	address    common.Address
}

// NewKMSExecutor creates an executor for a key encrypted by provider. The key
// is decrypted once to derive the bundler address.
func NewKMSExecutor(ctx context.Context, provider kms.Provider, ciphertext []byte) (*KMSExecutor, error) {
	k := &KMSExecutor{
		provider:   provider,
		ciphertext: append([]byte(nil), ciphertext...),
	}

	key, err := k.decryptKey(ctx)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)
	k.address = crypto.Address(key)

	return k, nil
}

// NewKMSExecutorFromBase64 decodes a base64 ciphertext first.
func NewKMSExecutorFromBase64(ctx context.Context, provider kms.Provider, encoded string) (*KMSExecutor, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid bundler key ciphertext: %w", err)
	}
	return NewKMSExecutor(ctx, provider, ciphertext)
}

// EncryptKey encrypts a hex private key for use with NewKMSExecutorFromBase64.
func EncryptKey(ctx context.Context, provider kms.Provider, hexKey string) (string, error) {
	key, err := crypto.ParsePrivateKeyHex(hexKey)
	if err != nil {
		return "", fmt.Errorf("invalid bundler key: %w", err)
	}
	defer zeroKey(key)

	plaintext := []byte(crypto.PrivateKeyHex(key))
	ciphertext, err := provider.Encrypt(ctx, plaintext)
	clear(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt bundler key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Provider returns the KMS provider name
func (k *KMSExecutor) Provider() string {
	return k.provider.Provider()
}

func (k *KMSExecutor) Address() common.Address { return k.address }

// SignTransaction decrypts the key, signs tx and clears the key again.
func (k *KMSExecutor) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, err := k.decryptKey(ctx)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key) // Clear from memory after use

	return signTx(tx, chainID, key)
}

func (k *KMSExecutor) decryptKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	plaintext, err := k.provider.Decrypt(ctx, k.ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bundler key: %w", err)
	}
	defer clear(plaintext)

	key, err := crypto.ParsePrivateKeyHex(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundler key: %w", err)
	}
	return key, nil
}

// zeroKey securely zeros out the private key from memory
func zeroKey(privateKey *ecdsa.PrivateKey) {
	if privateKey != nil && privateKey.D != nil {
		privateKey.D.SetInt64(0)
	}
}
