// Package config loads client and relay configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/better-wallet/passkey-account/internal/kms"
)

// DefaultEntryPoint is the canonical v0.7 entry point deployment.
const DefaultEntryPoint = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

// GasConfig holds the fixed gas limits attached to user operations.
type GasConfig struct {
	CallGasLimit                  uint64
	VerificationGasLimit          uint64
	DeployVerificationGasLimit    uint64
	PreVerificationGas            uint64
	PaymasterVerificationGasLimit uint64
	PaymasterPostOpGasLimit       uint64
}

func loadGas() GasConfig {
	return GasConfig{
		CallGasLimit:                  getEnvUint64("CALL_GAS_LIMIT", 10_000),
		VerificationGasLimit:          getEnvUint64("VERIFICATION_GAS_LIMIT", 200_000),
		DeployVerificationGasLimit:    getEnvUint64("DEPLOY_VERIFICATION_GAS_LIMIT", 20_000_000),
		PreVerificationGas:            getEnvUint64("PRE_VERIFICATION_GAS", 20_000),
		PaymasterVerificationGasLimit: getEnvUint64("PAYMASTER_VERIFICATION_GAS_LIMIT", 200_000),
		PaymasterPostOpGasLimit:       getEnvUint64("PAYMASTER_POST_OP_GAS_LIMIT", 10_000),
	}
}

func loadKMS(defaultPassphrase string) kms.Config {
	return kms.Config{
		Provider:        getEnv("KMS_PROVIDER", string(kms.ProviderLocal)),
		LocalPassphrase: getEnv("KMS_LOCAL_MASTER_KEY", defaultPassphrase),
		AWSKMSKeyID:     getEnv("KMS_AWS_KEY_ID", ""),
		AWSKMSRegion:    getEnv("KMS_AWS_REGION", ""),
		VaultAddress:    getEnv("KMS_VAULT_ADDRESS", ""),
		VaultToken:      getEnv("KMS_VAULT_TOKEN", ""),
		VaultTransitKey: getEnv("KMS_VAULT_TRANSIT_KEY", ""),
	}
}

func validateKMS(c kms.Config) error {
	switch kms.ProviderType(c.Provider) {
	case kms.ProviderLocal:
		if c.LocalPassphrase == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required for the local KMS provider")
		}
	case kms.ProviderAWSKMS:
		if c.AWSKMSKeyID == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID is required for the aws-kms provider")
		}
	case kms.ProviderVault:
		if c.VaultAddress == "" || c.VaultToken == "" || c.VaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required for the vault provider")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.Provider)
	}
	return nil
}

// loadDotEnv reads .env when present. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func validateAddress(name, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s is not a valid address: %s", name, value)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvDuration accepts Go duration syntax ("2s", "1h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
