package signer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

var (
	// envelopeArgs is abi.encode(bool isSessionKey, bytes signature).
	envelopeArgs = abi.Arguments{
		{Name: "isSessionKey", Type: mustType("bool")},
		{Name: "signature", Type: mustType("bytes")},
	}

	// webAuthnArgs is abi.encode(bytes authenticatorData, string clientDataJSON, bytes signature).
	webAuthnArgs = abi.Arguments{
		{Name: "authenticatorData", Type: mustType("bytes")},
		{Name: "clientDataJSON", Type: mustType("string")},
		{Name: "signature", Type: mustType("bytes")},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Envelope is the signature format the smart account decodes: a flag for the
// signing key kind and the inner signature bytes.
type Envelope struct {
	IsSessionKey bool
	Signature    []byte
}

// Encode ABI-encodes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	sig := e.Signature
	if sig == nil {
		sig = []byte{}
	}
	out, err := envelopeArgs.Pack(e.IsSessionKey, sig)
	if err != nil {
		return nil, apperrors.Signing("encode signature envelope", err)
	}
	return out, nil
}

// DecodeEnvelope parses an encoded envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	values, err := envelopeArgs.Unpack(data)
	if err != nil {
		return nil, apperrors.Signing("decode signature envelope", err)
	}
	if len(values) != 2 {
		return nil, apperrors.Signing(fmt.Sprintf("envelope has %d fields", len(values)), nil)
	}
	isSessionKey, ok := values[0].(bool)
	if !ok {
		return nil, apperrors.Signing("envelope flag is not a bool", nil)
	}
	sig, ok := values[1].([]byte)
	if !ok {
		return nil, apperrors.Signing("envelope signature is not bytes", nil)
	}
	return &Envelope{IsSessionKey: isSessionKey, Signature: sig}, nil
}

// EncodeWebAuthn ABI-encodes an assertion as the inner passkey signature.
func EncodeWebAuthn(a *webauthn.Assertion) ([]byte, error) {
	out, err := webAuthnArgs.Pack(nonNil(a.AuthenticatorData), a.ClientDataJSON, nonNil(a.Signature))
	if err != nil {
		return nil, apperrors.Signing("encode webauthn signature", err)
	}
	return out, nil
}

// DecodeWebAuthn reverses EncodeWebAuthn.
func DecodeWebAuthn(data []byte) (*webauthn.Assertion, error) {
	values, err := webAuthnArgs.Unpack(data)
	if err != nil {
		return nil, apperrors.Signing("decode webauthn signature", err)
	}
	if len(values) != 3 {
		return nil, apperrors.Signing(fmt.Sprintf("webauthn signature has %d fields", len(values)), nil)
	}
	authData, ok1 := values[0].([]byte)
	clientData, ok2 := values[1].(string)
	sig, ok3 := values[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, apperrors.Signing("webauthn signature has unexpected field types", nil)
	}
	return &webauthn.Assertion{
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
	}, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
