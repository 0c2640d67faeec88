// Package signer produces signature envelopes for user operations. A signer
// is either the device passkey or a locally held session key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/crypto"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Kind identifies the signer variant.
type Kind string

const (
	KindPasskey    Kind = "passkey"
	KindSessionKey Kind = "session_key"
)

// Signer signs a 32-byte hash and returns the encoded envelope.
type Signer interface {
	Kind() Kind
	Sign(ctx context.Context, hash common.Hash) ([]byte, error)
}

// PasskeySigner signs with the owner passkey through a platform authenticator.
type PasskeySigner struct {
	credential    *webauthn.Credential
	authenticator webauthn.Authenticator
	gate          *Gate
}

// NewPasskeySigner creates a passkey signer. Assertion requests are spaced by
// the gate; a nil gate issues them immediately.
func NewPasskeySigner(cred *webauthn.Credential, auth webauthn.Authenticator, gate *Gate) *PasskeySigner {
	return &PasskeySigner{credential: cred, authenticator: auth, gate: gate}
}

func (s *PasskeySigner) Kind() Kind { return KindPasskey }

// Credential returns the credential this signer asserts with.
func (s *PasskeySigner) Credential() *webauthn.Credential { return s.credential }

// Sign requests an assertion over hash and wraps it as a passkey envelope.
func (s *PasskeySigner) Sign(ctx context.Context, hash common.Hash) ([]byte, error) {
	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return nil, apperrors.Signing("assertion request cancelled", err)
		}
	}

	assertion, err := s.authenticator.GetAssertion(ctx, s.credential.ID, hash[:])
	if err != nil {
		if errors.Is(err, webauthn.ErrUserDeclined) {
			logger.Warn(ctx, "passkey assertion declined")
			return nil, apperrors.Signing("passkey assertion declined", err)
		}
		return nil, apperrors.Signing("passkey assertion failed", err)
	}

	inner, err := EncodeWebAuthn(assertion)
	if err != nil {
		return nil, err
	}
	return Envelope{IsSessionKey: false, Signature: inner}.Encode()
}

// SessionKeySigner signs with a secp256k1 session key.
type SessionKeySigner struct {
	key *ecdsa.PrivateKey
}

// NewSessionKeySigner wraps a session key.
func NewSessionKeySigner(key *ecdsa.PrivateKey) *SessionKeySigner {
	return &SessionKeySigner{key: key}
}

func (s *SessionKeySigner) Kind() Kind { return KindSessionKey }

// Address is the session key's Ethereum address.
func (s *SessionKeySigner) Address() common.Address {
	return crypto.Address(s.key)
}

// PrivateKey returns the underlying key.
func (s *SessionKeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Sign produces an r ‖ s ‖ v signature over hash wrapped as a session envelope.
func (s *SessionKeySigner) Sign(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Signing("session key signing cancelled", err)
	}
	sig, err := crypto.SignDigest(hash, s.key)
	if err != nil {
		return nil, apperrors.Signing("session key signing failed", err)
	}
	return Envelope{IsSessionKey: true, Signature: sig}.Encode()
}

var (
	_ Signer = (*PasskeySigner)(nil)
	_ Signer = (*SessionKeySigner)(nil)
)
