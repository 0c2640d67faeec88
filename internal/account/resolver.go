package account

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/contracts"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Caller performs read-only contract calls at the latest block.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Resolver derives smart account addresses from the factory.
type Resolver struct {
	caller  Caller
	factory common.Address
}

// NewResolver creates a resolver for a factory deployment.
func NewResolver(caller Caller, factory common.Address) *Resolver {
	return &Resolver{caller: caller, factory: factory}
}

// Factory returns the factory address the resolver reads from.
func (r *Resolver) Factory() common.Address {
	return r.factory
}

// Resolve returns the account address for an encoded owner key and nonce. A
// non-nil override is returned as is without reading the factory.
func (r *Resolver) Resolve(ctx context.Context, encodedPubKey []byte, nonce *big.Int, override *common.Address) (common.Address, error) {
	if override != nil {
		return *override, nil
	}

	data, err := contracts.EncodeGetAddress(encodedPubKey, nonce)
	if err != nil {
		return common.Address{}, apperrors.Resolution("encode getAddress", err)
	}

	factory := r.factory
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, apperrors.Resolution("factory getAddress reverted", err)
	}
	if len(out) == 0 {
		return common.Address{}, apperrors.Resolution("factory getAddress returned no data", nil)
	}

	addr, err := contracts.DecodeGetAddress(out)
	if err != nil {
		return common.Address{}, apperrors.Resolution("decode getAddress", err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, apperrors.Resolution("factory returned the zero address", nil)
	}
	return addr, nil
}
