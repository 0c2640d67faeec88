package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/kms"
	"github.com/better-wallet/passkey-account/internal/sessionkey"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// Session-key storage backends
const (
	SessionBackendLevelDB  = "leveldb"
	SessionBackendPostgres = "postgres"
)

// ClientConfig configures the wallet engine and CLI.
type ClientConfig struct {
	// Chain
	ChainRPC string
	ChainID  int64

	// Contracts
	EntryPointAddress string
	EntryPointVersion string
	FactoryAddress    string

	// Paymaster (optional)
	PaymasterAddress  string
	PaymasterValidity time.Duration

	// Submission
	SubmitMode          string
	RelayURL            string
	BundlerURL          string
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration

	// Signing
	SigningDelay    time.Duration
	SessionAuthMode string
	RPID            string

	// Local storage
	DataDir        string
	SessionBackend string
	PostgresDSN    string

	// OTLPEndpoint enables tracing when set
	OTLPEndpoint string

	Gas GasConfig
	KMS kms.Config
}

// LoadClient loads client configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	rpID := getEnv("RP_ID", "localhost")
	cfg := &ClientConfig{
		ChainRPC:            getEnv("CHAIN_RPC", "http://localhost:8545"),
		ChainID:             getEnvInt64("CHAIN_ID", 0),
		EntryPointAddress:   getEnv("ENTRYPOINT_ADDRESS", DefaultEntryPoint),
		EntryPointVersion:   getEnv("ENTRYPOINT_VERSION", string(userop.V07)),
		FactoryAddress:      getEnv("FACTORY_ADDRESS", ""),
		PaymasterAddress:    getEnv("PAYMASTER_ADDRESS", ""),
		PaymasterValidity:   getEnvDuration("PAYMASTER_VALIDITY", time.Hour),
		SubmitMode:          getEnv("SUBMIT_MODE", types.SubmitModeRelay),
		RelayURL:            getEnv("RELAY_URL", "http://localhost:7930"),
		BundlerURL:          getEnv("BUNDLER_URL", ""),
		ReceiptTimeout:      getEnvDuration("RECEIPT_TIMEOUT", 2*time.Minute),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		SigningDelay:        getEnvDuration("SIGNING_DELAY", 2*time.Second),
		SessionAuthMode:     getEnv("SESSION_AUTH_MODE", string(sessionkey.AuthEmpty)),
		RPID:                rpID,
		DataDir:             getEnv("WALLET_DATA_DIR", "./.wallet"),
		SessionBackend:      getEnv("SESSION_BACKEND", SessionBackendLevelDB),
		PostgresDSN:         getEnv("POSTGRES_DSN", ""),
		OTLPEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Gas:                 loadGas(),
		KMS:                 loadKMS(rpID),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *ClientConfig) Validate() error {
	if c.ChainRPC == "" {
		return fmt.Errorf("CHAIN_RPC is required")
	}
	if err := validateAddress("ENTRYPOINT_ADDRESS", c.EntryPointAddress, true); err != nil {
		return err
	}
	if err := validateAddress("FACTORY_ADDRESS", c.FactoryAddress, true); err != nil {
		return err
	}
	if err := validateAddress("PAYMASTER_ADDRESS", c.PaymasterAddress, false); err != nil {
		return err
	}
	if _, err := c.Revision(); err != nil {
		return err
	}

	switch c.SubmitMode {
	case types.SubmitModeRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("RELAY_URL is required when SUBMIT_MODE is 'relay'")
		}
	case types.SubmitModeBundler:
		if c.BundlerURL == "" {
			return fmt.Errorf("BUNDLER_URL is required when SUBMIT_MODE is 'bundler'")
		}
	default:
		return fmt.Errorf("SUBMIT_MODE must be 'relay' or 'bundler', got: %s", c.SubmitMode)
	}

	switch sessionkey.AuthMode(c.SessionAuthMode) {
	case sessionkey.AuthEmpty, sessionkey.AuthWebAuthn:
	default:
		return fmt.Errorf("SESSION_AUTH_MODE must be 'empty' or 'webauthn', got: %s", c.SessionAuthMode)
	}

	switch c.SessionBackend {
	case SessionBackendLevelDB:
		if c.DataDir == "" {
			return fmt.Errorf("WALLET_DATA_DIR is required")
		}
	case SessionBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when SESSION_BACKEND is 'postgres'")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be 'leveldb' or 'postgres', got: %s", c.SessionBackend)
	}

	if c.SigningDelay < 0 {
		return fmt.Errorf("SIGNING_DELAY cannot be negative")
	}
	if c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL must be positive")
	}

	return validateKMS(c.KMS)
}

// Revision returns the entry point revision selected by ENTRYPOINT_VERSION
// and SUBMIT_MODE. The relay takes the packed form, bundlers the unpacked one.
func (c *ClientConfig) Revision() (userop.Revision, error) {
	version, err := userop.ParseVersion(c.EntryPointVersion)
	if err != nil {
		return nil, fmt.Errorf("ENTRYPOINT_VERSION: %w", err)
	}
	format := userop.FormatUnpacked
	if version == userop.V07 && c.SubmitMode == types.SubmitModeRelay {
		format = userop.FormatPacked
	}
	return userop.NewRevision(version, format)
}

func (c *ClientConfig) EntryPoint() common.Address { return common.HexToAddress(c.EntryPointAddress) }

func (c *ClientConfig) Factory() common.Address { return common.HexToAddress(c.FactoryAddress) }

// Paymaster returns the paymaster address, or nil when none is configured.
func (c *ClientConfig) Paymaster() *common.Address {
	if c.PaymasterAddress == "" {
		return nil
	}
	addr := common.HexToAddress(c.PaymasterAddress)
	return &addr
}
