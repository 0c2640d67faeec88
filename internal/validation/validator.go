package validation

import (
	"fmt"
	"math/big"
	"net/mail"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// DefaultMaxDataSize bounds call data accepted from users.
const DefaultMaxDataSize = 128 * 1024

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	// Prevent sending to zero address (common mistake)
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("cannot send to zero address")
	}

	return nil
}

// ValidateTransactionValue validates a transaction value
func ValidateTransactionValue(value *big.Int, maxValue *big.Int) error {
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}

	if value.Sign() < 0 {
		return fmt.Errorf("value cannot be negative")
	}

	// Check against maximum value if specified
	if maxValue != nil && value.Cmp(maxValue) > 0 {
		return fmt.Errorf("value exceeds maximum allowed: %s > %s", value.String(), maxValue.String())
	}

	return nil
}

// ValidateTransactionData validates transaction data (calldata)
func ValidateTransactionData(data []byte, maxDataSize int) error {
	if maxDataSize > 0 && len(data) > maxDataSize {
		return fmt.Errorf("transaction data too large: %d bytes > %d bytes max", len(data), maxDataSize)
	}

	return nil
}

// ValidateEmail checks a user identifier is a bare email address.
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email cannot be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address: %s", email)
	}
	return nil
}

// ParseValue parses a decimal or 0x-hex wei amount.
func ParseValue(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", s)
	}
	if err := ValidateTransactionValue(v, nil); err != nil {
		return nil, err
	}
	return v, nil
}

// CallValidationConfig holds limits for user-supplied calls
type CallValidationConfig struct {
	MaxValue    *big.Int // Maximum transaction value (nil = no limit)
	MaxDataSize int      // Maximum data size in bytes (0 = no limit)
}

// ValidateCall checks a single call's destination, value and data.
func ValidateCall(to string, value *big.Int, data []byte, config *CallValidationConfig) error {
	if err := ValidateEthereumAddress(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}

	var maxValue *big.Int
	maxData := DefaultMaxDataSize
	if config != nil {
		maxValue = config.MaxValue
		maxData = config.MaxDataSize
	}
	if err := ValidateTransactionValue(value, maxValue); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if err := ValidateTransactionData(data, maxData); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}
