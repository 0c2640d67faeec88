// Package webauthn models the device-bound P-256 credential that owns a
// smart account and the assertions it produces.
package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PublicKeySize is the length of an uncompressed P-256 key without the 0x04
// prefix: X ‖ Y.
const PublicKeySize = 64

var pubKeyArgs = abi.Arguments{
	{Name: "x", Type: mustType("uint256")},
	{Name: "y", Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Credential is the public half of a passkey: an opaque device handle and
// the 64-byte P-256 public key.
type Credential struct {
	ID        []byte
	PublicKey []byte
}

// NewCredential builds a credential from a device id and a P-256 key.
func NewCredential(id []byte, pub *ecdsa.PublicKey) (*Credential, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key must be on P-256")
	}
	raw, err := pub.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &Credential{
		ID:        append([]byte(nil), id...),
		PublicKey: raw[1:],
	}, nil
}

// Validate checks the credential carries an id and a key on the curve.
func (c *Credential) Validate() error {
	if len(c.ID) == 0 {
		return fmt.Errorf("credential id is required")
	}
	if _, err := c.ECDSA(); err != nil {
		return err
	}
	return nil
}

// ECDSA returns the credential key as an ecdsa public key.
func (c *Credential) ECDSA() (*ecdsa.PublicKey, error) {
	if len(c.PublicKey) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(c.PublicKey))
	}
	uncompressed := append([]byte{0x04}, c.PublicKey...)
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), uncompressed)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}
	return pub, nil
}

// X returns the x coordinate.
func (c *Credential) X() *big.Int {
	return new(big.Int).SetBytes(c.PublicKey[:32])
}

// Y returns the y coordinate.
func (c *Credential) Y() *big.Int {
	return new(big.Int).SetBytes(c.PublicKey[32:])
}

// EncodePublicKey returns abi.encode(uint256 x, uint256 y), the owner key
// format the factory expects.
func (c *Credential) EncodePublicKey() ([]byte, error) {
	if len(c.PublicKey) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(c.PublicKey))
	}
	return pubKeyArgs.Pack(c.X(), c.Y())
}

type credentialJSON struct {
	ID        string        `json:"id"`
	PublicKey hexutil.Bytes `json:"publicKey"`
}

// MarshalJSON encodes the id as base64url and the key as 0x-hex.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialJSON{
		ID:        base64.RawURLEncoding.EncodeToString(c.ID),
		PublicKey: c.PublicKey,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var raw credentialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := base64.RawURLEncoding.DecodeString(raw.ID)
	if err != nil {
		return fmt.Errorf("invalid credential id: %w", err)
	}
	c.ID = id
	c.PublicKey = raw.PublicKey
	return nil
}
