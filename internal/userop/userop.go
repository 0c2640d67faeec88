// Package userop models ERC-4337 user operations and renders them into the
// canonical packed form that entry points hash and execute.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// UserOperation is the logical, unpacked user operation produced by the
// builder. Factory and Paymaster are nil when absent.
type UserOperation struct {
	Sender   common.Address
	Nonce    *big.Int
	CallData []byte

	Factory     *common.Address
	FactoryData []byte

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

// HasFactory reports whether the operation carries deployment arguments.
func (op *UserOperation) HasFactory() bool {
	return op.Factory != nil
}

// InitCode returns factory ‖ factoryData, or nil for a deployed account.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	initCode := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	initCode = append(initCode, op.Factory.Bytes()...)
	return append(initCode, op.FactoryData...)
}

// Copy returns a deep copy of the operation.
func (op *UserOperation) Copy() *UserOperation {
	cp := &UserOperation{
		Sender:                        op.Sender,
		Nonce:                         copyBig(op.Nonce),
		CallData:                      common.CopyBytes(op.CallData),
		FactoryData:                   common.CopyBytes(op.FactoryData),
		CallGasLimit:                  copyBig(op.CallGasLimit),
		VerificationGasLimit:          copyBig(op.VerificationGasLimit),
		PreVerificationGas:            copyBig(op.PreVerificationGas),
		MaxFeePerGas:                  copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          copyBig(op.MaxPriorityFeePerGas),
		PaymasterVerificationGasLimit: copyBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       copyBig(op.PaymasterPostOpGasLimit),
		PaymasterData:                 common.CopyBytes(op.PaymasterData),
		Signature:                     common.CopyBytes(op.Signature),
	}
	if op.Factory != nil {
		f := *op.Factory
		cp.Factory = &f
	}
	if op.Paymaster != nil {
		p := *op.Paymaster
		cp.Paymaster = &p
	}
	return cp
}

// Validate checks internal consistency and the 120-bit bound on every gas
// and fee field. Violations are construction errors.
func (op *UserOperation) Validate() error {
	if op.Nonce == nil || op.Nonce.Sign() < 0 {
		return apperrors.Construction("nonce must be set and non-negative")
	}
	if op.Factory == nil && len(op.FactoryData) > 0 {
		return apperrors.Construction("factoryData set without factory")
	}
	if op.Factory != nil && len(op.FactoryData) == 0 {
		return apperrors.Construction("factory set without factoryData")
	}

	fields := []struct {
		name  string
		value *big.Int
	}{
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	if op.Paymaster != nil {
		fields = append(fields,
			struct {
				name  string
				value *big.Int
			}{"paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit},
			struct {
				name  string
				value *big.Int
			}{"paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit},
		)
	} else if len(op.PaymasterData) > 0 {
		return apperrors.Construction("paymasterData set without paymaster")
	}

	for _, f := range fields {
		if err := CheckGasBound(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

// CheckGasBound rejects a missing, negative or wider-than-120-bit value.
func CheckGasBound(name string, v *big.Int) error {
	if v == nil {
		return apperrors.Construction(fmt.Sprintf("%s is required", name))
	}
	if v.Sign() < 0 {
		return apperrors.Construction(fmt.Sprintf("%s must be non-negative", name))
	}
	if v.BitLen() > MaxGasBits {
		return apperrors.Construction(fmt.Sprintf("%s exceeds %d bits", name, MaxGasBits))
	}
	return nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// orZero treats absent optional numbers as zero for hashing and packing.
func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
