// Package keyexec signs the relay's handleOps transactions with the bundler
// key.
package keyexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/better-wallet/passkey-account/internal/crypto"
)

// KeyExecutor signs transactions sent from the bundler account.
type KeyExecutor interface {
	// Address returns the bundler account address
	Address() common.Address

	// SignTransaction signs tx for chainID with an EIP-1559 signer
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

	// Provider names the key backend
	Provider() string
}

// RawKeyExecutor holds the bundler key in memory.
type RawKeyExecutor struct {
	key *ecdsa.PrivateKey
}

// NewRawKeyExecutor parses a hex private key.
func NewRawKeyExecutor(hexKey string) (*RawKeyExecutor, error) {
	key, err := crypto.ParsePrivateKeyHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid bundler key: %w", err)
	}
	return &RawKeyExecutor{key: key}, nil
}

func (r *RawKeyExecutor) Address() common.Address { return crypto.Address(r.key) }

func (r *RawKeyExecutor) Provider() string { return "raw" }

// SignTransaction signs tx with the in-memory key.
func (r *RawKeyExecutor) SignTransaction(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return signTx(tx, chainID, r.key)
}

func signTx(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.NewLondonSigner(chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signedTx, nil
}
