package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/kms"
)

// ServerConfig configures the relay backend.
type ServerConfig struct {
	// Database
	PostgresDSN string

	// Server
	Port          int
	AllowedOrigin string

	// Chain
	ChainRPC          string
	ChainID           int64
	EntryPointAddress string

	// Bundler key: either a raw hex key or a KMS ciphertext (base64)
	BundlerPrivateKey    string
	BundlerKeyCiphertext string
	BeneficiaryAddress   string
	HandleOpsGasLimit    uint64

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	OTLPEndpoint string

	Gas GasConfig
	KMS kms.Config
}

// LoadServer loads relay configuration from the environment.
func LoadServer() (*ServerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		Port:                 getEnvInt("SERVER_PORT", 7930),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "*"),
		ChainRPC:             getEnv("CHAIN_RPC", "http://localhost:8545"),
		ChainID:              getEnvInt64("CHAIN_ID", 0),
		EntryPointAddress:    getEnv("ENTRYPOINT_ADDRESS", ""),
		BundlerPrivateKey:    getEnv("BUNDLER_PRIVATE_KEY", ""),
		BundlerKeyCiphertext: getEnv("BUNDLER_KEY_CIPHERTEXT", ""),
		BeneficiaryAddress:   getEnv("BENEFICIARY_ADDRESS", ""),
		HandleOpsGasLimit:    getEnvUint64("HANDLE_OPS_GAS_LIMIT", 0),
		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 20),
		OTLPEndpoint:         getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Gas:                  loadGas(),
		KMS:                  loadKMS(""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.ChainRPC == "" {
		return fmt.Errorf("CHAIN_RPC is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got: %d", c.Port)
	}
	if err := validateAddress("ENTRYPOINT_ADDRESS", c.EntryPointAddress, true); err != nil {
		return err
	}
	if err := validateAddress("BENEFICIARY_ADDRESS", c.BeneficiaryAddress, false); err != nil {
		return err
	}

	switch {
	case c.BundlerPrivateKey == "" && c.BundlerKeyCiphertext == "":
		return fmt.Errorf("one of BUNDLER_PRIVATE_KEY or BUNDLER_KEY_CIPHERTEXT is required")
	case c.BundlerPrivateKey != "" && c.BundlerKeyCiphertext != "":
		return fmt.Errorf("BUNDLER_PRIVATE_KEY and BUNDLER_KEY_CIPHERTEXT are mutually exclusive")
	case c.BundlerKeyCiphertext != "":
		if err := validateKMS(c.KMS); err != nil {
			return err
		}
	}

	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func (c *ServerConfig) EntryPoint() common.Address { return common.HexToAddress(c.EntryPointAddress) }

// Beneficiary returns the configured beneficiary, or fallback when unset.
func (c *ServerConfig) Beneficiary(fallback common.Address) common.Address {
	if c.BeneficiaryAddress == "" {
		return fallback
	}
	return common.HexToAddress(c.BeneficiaryAddress)
}
