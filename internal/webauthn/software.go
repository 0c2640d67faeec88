package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// SoftwareAuthenticator is an in-process platform authenticator backed by
// P-256 keys held in memory. It is used by the CLI and in tests.
type SoftwareAuthenticator struct {
	rpID   string
	origin string

	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	counter uint32
}

// NewSoftwareAuthenticator creates an authenticator for a relying party.
func NewSoftwareAuthenticator(rpID, origin string) *SoftwareAuthenticator {
	return &SoftwareAuthenticator{
		rpID:   rpID,
		origin: origin,
		keys:   make(map[string]*ecdsa.PrivateKey),
	}
}

// Register creates a new credential.
func (a *SoftwareAuthenticator) Register() (*Credential, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("failed to generate credential id: %w", err)
	}

	a.mu.Lock()
	a.keys[string(id)] = key
	a.mu.Unlock()

	return NewCredential(id, &key.PublicKey)
}

// Import loads a credential from its raw 32-byte private scalar.
func (a *SoftwareAuthenticator) Import(id, privateKey []byte) (*Credential, error) {
	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}

	a.mu.Lock()
	a.keys[string(id)] = key
	a.mu.Unlock()

	return NewCredential(id, &key.PublicKey)
}

// Export returns the raw private scalar of a held credential.
func (a *SoftwareAuthenticator) Export(id []byte) ([]byte, error) {
	a.mu.Lock()
	key, ok := a.keys[string(id)]
	a.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCredential
	}
	return key.Bytes()
}

// GetAssertion signs challenge with the credential identified by id.
func (a *SoftwareAuthenticator) GetAssertion(ctx context.Context, id []byte, challenge []byte) (*Assertion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	key, ok := a.keys[string(id)]
	a.counter++
	counter := a.counter
	a.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCredential
	}

	rpHash := sha256.Sum256([]byte(a.rpID))
	authData := make([]byte, 37)
	copy(authData, rpHash[:])
	authData[32] = FlagUserPresent | FlagUserVerified
	binary.BigEndian.PutUint32(authData[33:], counter)

	clientDataJSON, err := NewClientDataJSON(challenge, a.origin)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client data: %w", err)
	}

	digest := SignedDigest(authData, clientDataJSON)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}
	sig, err := RawSignatureFromDER(der)
	if err != nil {
		return nil, err
	}

	return &Assertion{
		AuthenticatorData: authData,
		ClientDataJSON:    clientDataJSON,
		Signature:         sig,
	}, nil
}

var _ Authenticator = (*SoftwareAuthenticator)(nil)
