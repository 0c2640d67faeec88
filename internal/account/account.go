// Package account models the passkey-owned smart account: its resolved
// address, deployment state, active signer and the calls it executes.
package account

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/signer"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Params describe a smart account before resolution.
type Params struct {
	Credential *webauthn.Credential
	Passkey    *signer.PasskeySigner
	SessionKey *signer.SessionKeySigner

	// Nonce is the factory salt, zero by default.
	Nonce *big.Int

	// Address skips factory resolution when set.
	Address *common.Address

	EntryPoint common.Address
	ChainID    *big.Int
	Revision   userop.Revision
}

// Handle is a resolved smart account. A handle is immutable except for its
// deployment flag; session key changes produce a new handle.
type Handle struct {
	address    common.Address
	credential *webauthn.Credential
	passkey    *signer.PasskeySigner
	session    *signer.SessionKeySigner
	nonce      *big.Int
	factory    common.Address
	entryPoint common.Address
	chainID    *big.Int
	revision   userop.Revision

	mu       sync.RWMutex
	deployed bool
}

// New resolves the account address and returns its handle.
func New(ctx context.Context, resolver *Resolver, p Params) (*Handle, error) {
	if p.Credential == nil {
		return nil, apperrors.Resolution("owner credential is required", nil)
	}
	if p.Revision == nil {
		return nil, apperrors.Resolution("entry point revision is required", nil)
	}
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return nil, apperrors.Resolution("chain id is required", nil)
	}

	pubKey, err := p.Credential.EncodePublicKey()
	if err != nil {
		return nil, apperrors.Resolution("encode owner public key", err)
	}
	nonce := p.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}

	addr, err := resolver.Resolve(ctx, pubKey, nonce, p.Address)
	if err != nil {
		return nil, err
	}

	return &Handle{
		address:    addr,
		credential: p.Credential,
		passkey:    p.Passkey,
		session:    p.SessionKey,
		nonce:      new(big.Int).Set(nonce),
		factory:    resolver.Factory(),
		entryPoint: p.EntryPoint,
		chainID:    new(big.Int).Set(p.ChainID),
		revision:   p.Revision,
	}, nil
}

func (h *Handle) Address() common.Address              { return h.address }
func (h *Handle) Credential() *webauthn.Credential     { return h.credential }
func (h *Handle) EntryPoint() common.Address           { return h.entryPoint }
func (h *Handle) ChainID() *big.Int                    { return new(big.Int).Set(h.chainID) }
func (h *Handle) Revision() userop.Revision            { return h.revision }
func (h *Handle) Passkey() *signer.PasskeySigner       { return h.passkey }
func (h *Handle) SessionKey() *signer.SessionKeySigner { return h.session }

// IsDeployed reports the cached deployment state.
func (h *Handle) IsDeployed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deployed
}

// MarkDeployed records that code exists at the account address.
func (h *Handle) MarkDeployed() {
	h.mu.Lock()
	h.deployed = true
	h.mu.Unlock()
}

// WithSessionKey returns a handle for the same account signing with key. A
// nil key returns a passkey-only handle.
func (h *Handle) WithSessionKey(key *signer.SessionKeySigner) *Handle {
	return &Handle{
		address:    h.address,
		credential: h.credential,
		passkey:    h.passkey,
		session:    key,
		nonce:      h.nonce,
		factory:    h.factory,
		entryPoint: h.entryPoint,
		chainID:    h.chainID,
		revision:   h.revision,
		deployed:   h.IsDeployed(),
	}
}

// Signer returns the active signer: the session key when present, otherwise
// the passkey.
func (h *Handle) Signer() (signer.Signer, error) {
	if h.session != nil {
		return h.session, nil
	}
	if h.passkey != nil {
		return h.passkey, nil
	}
	return nil, apperrors.Signing("no active signer for account", nil)
}

// FactoryArgs returns the factory address and createAccount calldata that
// deploy this account.
func (h *Handle) FactoryArgs() (common.Address, []byte, error) {
	pubKey, err := h.credential.EncodePublicKey()
	if err != nil {
		return common.Address{}, nil, apperrors.Construction(fmt.Sprintf("encode owner public key: %v", err))
	}
	data, err := contracts.EncodeCreateAccount(pubKey, h.nonce)
	if err != nil {
		return common.Address{}, nil, apperrors.Construction(fmt.Sprintf("encode createAccount: %v", err))
	}
	return h.factory, data, nil
}

// EncodeCalls encodes the account calldata. Exactly one call is accepted.
func (h *Handle) EncodeCalls(calls []contracts.Call) ([]byte, error) {
	if len(calls) != 1 {
		return nil, apperrors.Construction(fmt.Sprintf("exactly one call is supported, got %d", len(calls)))
	}
	data, err := contracts.EncodeExecute(calls[0])
	if err != nil {
		return nil, apperrors.Construction(fmt.Sprintf("encode execute: %v", err))
	}
	return data, nil
}

// DecodeCalls reverses EncodeCalls and also accepts batch calldata.
func (h *Handle) DecodeCalls(callData []byte) ([]contracts.Call, error) {
	calls, err := contracts.DecodeCalls(callData)
	if err != nil {
		return nil, apperrors.Construction(err.Error())
	}
	return calls, nil
}

// Sign signs a raw 32-byte hash with the active signer.
func (h *Handle) Sign(ctx context.Context, hash common.Hash) ([]byte, error) {
	s, err := h.Signer()
	if err != nil {
		return nil, err
	}
	return s.Sign(ctx, hash)
}

// SignMessage signs an EIP-191 personal message.
func (h *Handle) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return h.Sign(ctx, common.BytesToHash(accounts.TextHash(message)))
}

// SignTypedData signs EIP-712 typed data.
func (h *Handle) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, apperrors.Signing("hash typed data", err)
	}
	return h.Sign(ctx, common.BytesToHash(digest))
}

// UserOperationHash returns the entry point hash of op for this account.
func (h *Handle) UserOperationHash(op *userop.UserOperation) (common.Hash, error) {
	return h.revision.Hash(op, h.entryPoint, h.chainID)
}

// SignUserOperation hashes op and signs it with the active signer. The
// operation itself is not modified.
func (h *Handle) SignUserOperation(ctx context.Context, op *userop.UserOperation) ([]byte, error) {
	hash, err := h.UserOperationHash(op)
	if err != nil {
		return nil, err
	}
	return h.Sign(ctx, hash)
}

// CheckOwner compares the owner key stored by a deployed account with the
// handle's credential.
func (h *Handle) CheckOwner(ctx context.Context, caller Caller) error {
	want, err := h.credential.EncodePublicKey()
	if err != nil {
		return apperrors.Resolution("encode owner public key", err)
	}

	var got []byte
	for _, x := range []bool{true, false} {
		data, err := contracts.EncodeOwnerKey(x)
		if err != nil {
			return apperrors.Resolution("encode owner key read", err)
		}
		to := h.address
		out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return apperrors.Resolution("read account owner key", err)
		}
		v, err := contracts.DecodeUint256(out)
		if err != nil {
			return apperrors.Resolution("decode account owner key", err)
		}
		got = append(got, common.BigToHash(v).Bytes()...)
	}

	if !bytes.Equal(want, got) {
		return apperrors.Resolution(fmt.Sprintf("account %s is owned by a different key", h.address.Hex()), nil)
	}
	return nil
}

// stubAuthenticatorData is a 37-byte authenticator data placeholder.
var stubAuthenticatorData = append(make([]byte, 32), 0x05, 0, 0, 0, 0)

// StubSignature returns a well-formed passkey envelope with placeholder
// content, sized like a real one, for gas estimation.
func StubSignature() ([]byte, error) {
	clientData, err := webauthn.NewClientDataJSON(make([]byte, 32), "https://localhost")
	if err != nil {
		return nil, apperrors.Signing("encode stub client data", err)
	}
	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = 0xff
	}
	inner, err := signer.EncodeWebAuthn(&webauthn.Assertion{
		AuthenticatorData: stubAuthenticatorData,
		ClientDataJSON:    clientData,
		Signature:         sig,
	})
	if err != nil {
		return nil, err
	}
	return signer.Envelope{Signature: inner}.Encode()
}
