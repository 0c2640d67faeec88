package sessionkey

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/passkey-account/internal/account"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/crypto"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/signer"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// AuthMode selects the authorizationData sent with createSessionKey.
type AuthMode string

const (
	// AuthEmpty sends empty authorization data.
	AuthEmpty AuthMode = "empty"

	// AuthWebAuthn sends a passkey envelope over keccak256(sessionKeyAddress).
	AuthWebAuthn AuthMode = "webauthn"
)

// Executor runs a call from the account as a user operation and returns once
// it is mined.
type Executor interface {
	Execute(ctx context.Context, h *account.Handle, call contracts.Call) (*types.Receipt, error)
}

// RecordReader reads the account's on-chain validity record of a key.
type RecordReader interface {
	SessionKeyRecord(ctx context.Context, account, sessionKey common.Address) (*contracts.SessionKeyRecord, error)
}

// Manager drives the session key lifecycle for an account.
type Manager struct {
	store    *EncryptedStore
	executor Executor
	records  RecordReader
	authMode AuthMode
	clock    clock.Clock
}

// NewManager creates a manager. records may be nil, in which case validity
// deadlines are left zero.
func NewManager(store *EncryptedStore, executor Executor, records RecordReader, mode AuthMode) *Manager {
	if mode == "" {
		mode = AuthEmpty
	}
	return &Manager{
		store:    store,
		executor: executor,
		records:  records,
		authMode: mode,
		clock:    clock.New(),
	}
}

// SetClock replaces the clock used for expiry checks.
func (m *Manager) SetClock(clk clock.Clock) {
	m.clock = clk
}

// Create generates a session key, authorizes it on-chain with a passkey
// signed operation and persists it. The returned handle signs with the new
// key. A previously persisted key for the account is replaced.
func (m *Manager) Create(ctx context.Context, h *account.Handle) (*account.Handle, *Record, error) {
	if h == nil {
		return nil, nil, apperrors.AccountNotInitialized()
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, nil, apperrors.Signing("generate session key", err)
	}
	sessionAddr := crypto.Address(key)

	owner := h.WithSessionKey(nil)
	authData, err := m.authorizationData(ctx, owner, sessionAddr)
	if err != nil {
		return nil, nil, err
	}

	data, err := contracts.EncodeCreateSessionKey(sessionAddr, authData)
	if err != nil {
		return nil, nil, apperrors.Construction(fmt.Sprintf("encode createSessionKey: %v", err))
	}

	call := contracts.Call{To: h.Address(), Value: new(big.Int), Data: data}
	if _, err := m.executor.Execute(ctx, owner, call); err != nil {
		return nil, nil, err
	}

	rec := &Record{
		Address:    sessionAddr.Hex(),
		PrivateKey: crypto.PrivateKeyHex(key),
		ValidUntil: m.validUntil(ctx, h.Address(), sessionAddr),
	}
	if err := m.store.Put(ctx, RecordKey(h.Address()), rec); err != nil {
		return nil, nil, err
	}

	logger.Info(ctx, "session key created",
		"session_key", rec.Address,
		"valid_until", rec.ValidUntil,
	)
	return h.WithSessionKey(signer.NewSessionKeySigner(key)), rec, nil
}

func (m *Manager) authorizationData(ctx context.Context, owner *account.Handle, sessionAddr common.Address) ([]byte, error) {
	switch m.authMode {
	case AuthEmpty:
		return []byte{}, nil
	case AuthWebAuthn:
		return owner.Sign(ctx, gethcrypto.Keccak256Hash(sessionAddr.Bytes()))
	default:
		return nil, apperrors.Construction(fmt.Sprintf("unknown session auth mode %q", m.authMode))
	}
}

func (m *Manager) validUntil(ctx context.Context, acct, sessionAddr common.Address) uint64 {
	if m.records == nil {
		return 0
	}
	rec, err := m.records.SessionKeyRecord(ctx, acct, sessionAddr)
	if err != nil || rec.ValidUntil == nil || !rec.ValidUntil.IsUint64() {
		logger.Warn(ctx, "could not read session key validity", "session_key", sessionAddr.Hex(), "error", err)
		return 0
	}
	return rec.ValidUntil.Uint64()
}

// Resume loads the persisted session key for the account and returns a
// handle signing with it. The returned handle is never nil. When no usable
// key is available the handle is passkey-only; a non-nil warning explains a
// load, decrypt or expiry failure and is not fatal.
func (m *Manager) Resume(ctx context.Context, h *account.Handle) (*account.Handle, error) {
	var rec Record
	found, err := m.store.Get(ctx, RecordKey(h.Address()), &rec)
	if err != nil {
		logger.Warn(ctx, "session key unavailable, continuing with passkey", "error", err)
		return h.WithSessionKey(nil), err
	}
	if !found {
		return h.WithSessionKey(nil), nil
	}

	key, err := crypto.ParsePrivateKeyHex(rec.PrivateKey)
	if err != nil {
		warning := apperrors.Storage("parse persisted session key", err)
		logger.Warn(ctx, "session key unavailable, continuing with passkey", "error", warning)
		return h.WithSessionKey(nil), warning
	}

	if rec.ValidUntil != 0 && m.clock.Now().After(time.Unix(int64(rec.ValidUntil), 0)) {
		warning := apperrors.Storage(fmt.Sprintf("session key %s expired", rec.Address), nil)
		logger.Warn(ctx, "session key expired, continuing with passkey", "session_key", rec.Address)
		return h.WithSessionKey(nil), warning
	}

	return h.WithSessionKey(signer.NewSessionKeySigner(key)), nil
}

// Revoke removes the persisted key and returns a passkey-only handle. The
// account contract is not informed.
func (m *Manager) Revoke(ctx context.Context, h *account.Handle) (*account.Handle, error) {
	if err := m.store.Remove(ctx, RecordKey(h.Address())); err != nil {
		return h, err
	}
	logger.Info(ctx, "session key revoked")
	return h.WithSessionKey(nil), nil
}

// Show returns the persisted record for the account, or nil when absent.
// The private key is cleared.
func (m *Manager) Show(ctx context.Context, h *account.Handle) (*Record, error) {
	var rec Record
	found, err := m.store.Get(ctx, RecordKey(h.Address()), &rec)
	if err != nil || !found {
		return nil, err
	}
	rec.PrivateKey = ""
	return &rec, nil
}
