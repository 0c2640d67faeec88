package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Authenticator data flags.
const (
	FlagUserPresent  = byte(1)
	FlagUserVerified = byte(1 << 2)
)

const ceremonyGet = "webauthn.get"

var (
	// ErrUserDeclined is returned when the user cancels or refuses the prompt.
	ErrUserDeclined = errors.New("webauthn: user declined assertion")

	// ErrUnknownCredential is returned for a credential the device does not hold.
	ErrUnknownCredential = errors.New("webauthn: unknown credential")
)

// Authenticator produces assertions over a challenge with a device-held
// credential.
type Authenticator interface {
	GetAssertion(ctx context.Context, credentialID []byte, challenge []byte) (*Assertion, error)
}

// Assertion is the authenticator's response: authenticator data, the client
// data JSON it signed over, and the raw r ‖ s signature.
type Assertion struct {
	AuthenticatorData []byte
	ClientDataJSON    string
	Signature         []byte
}

// ClientData is the parsed clientDataJSON.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

// NewClientDataJSON renders the client data for a get ceremony.
func NewClientDataJSON(challenge []byte, origin string) (string, error) {
	raw, err := json.Marshal(ClientData{
		Type:      ceremonyGet,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SignedDigest returns sha256(authenticatorData ‖ sha256(clientDataJSON)),
// the digest a WebAuthn signature covers.
func SignedDigest(authenticatorData []byte, clientDataJSON string) [32]byte {
	clientHash := sha256.Sum256([]byte(clientDataJSON))
	msg := make([]byte, 0, len(authenticatorData)+len(clientHash))
	msg = append(msg, authenticatorData...)
	msg = append(msg, clientHash[:]...)
	return sha256.Sum256(msg)
}

// Verify checks that the assertion was produced by cred over challenge.
func Verify(cred *Credential, a *Assertion, challenge []byte) error {
	pub, err := cred.ECDSA()
	if err != nil {
		return err
	}

	var cd ClientData
	if err := json.Unmarshal([]byte(a.ClientDataJSON), &cd); err != nil {
		return fmt.Errorf("invalid client data: %w", err)
	}
	if cd.Type != ceremonyGet {
		return fmt.Errorf("unexpected client data type %q", cd.Type)
	}
	if cd.Challenge != base64.RawURLEncoding.EncodeToString(challenge) {
		return fmt.Errorf("client data challenge mismatch")
	}
	if len(a.AuthenticatorData) < 37 {
		return fmt.Errorf("authenticator data too short: %d bytes", len(a.AuthenticatorData))
	}
	if a.AuthenticatorData[32]&FlagUserPresent == 0 {
		return fmt.Errorf("user presence flag not set")
	}
	if len(a.Signature) != 64 {
		return fmt.Errorf("signature must be 64 bytes, got %d", len(a.Signature))
	}

	digest := SignedDigest(a.AuthenticatorData, a.ClientDataJSON)
	r := new(big.Int).SetBytes(a.Signature[:32])
	s := new(big.Int).SetBytes(a.Signature[32:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// RawSignatureFromDER converts an ASN.1 ECDSA signature into the fixed
// r ‖ s form with s normalized to the lower half of the curve order.
func RawSignatureFromDER(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, fmt.Errorf("invalid ASN.1 signature")
	}

	n := elliptic.P256().Params().N
	if s.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		s.Sub(n, s)
	}

	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}
