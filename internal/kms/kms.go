// Package kms encrypts secrets at rest: session keys on the client and the
// bundler key on the relay. Backends are a local PBKDF2/AES-GCM key, AWS KMS
// and the HashiCorp Vault Transit engine.
package kms

import (
	"context"
	"fmt"
)

// Provider encrypts and decrypts opaque blobs.
type Provider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)

	// Provider returns the provider name (e.g., "local", "aws-kms", "vault")
	Provider() string
}

// ProviderType represents supported providers
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"
	ProviderAWSKMS ProviderType = "aws-kms"
	ProviderVault  ProviderType = "vault"
)

// Config selects and configures a provider.
type Config struct {
	Provider string

	// LocalPassphrase is stretched with PBKDF2 into the AES key.
	LocalPassphrase string

	AWSKMSKeyID  string
	AWSKMSRegion string

	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// New creates a Provider from cfg. An empty provider name selects local.
func New(ctx context.Context, cfg *Config) (Provider, error) {
	provider := ProviderType(cfg.Provider)

	switch provider {
	case ProviderLocal, "":
		return NewLocalProvider(cfg.LocalPassphrase)

	case ProviderAWSKMS:
		return NewAWSKMSProvider(ctx, cfg.AWSKMSKeyID, cfg.AWSKMSRegion)

	case ProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)

	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s)",
			provider, ProviderLocal, ProviderAWSKMS, ProviderVault)
	}
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = (*AWSKMSProvider)(nil)
	_ Provider = (*VaultProvider)(nil)
)
