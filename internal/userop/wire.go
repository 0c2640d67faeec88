package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// PackedWire is the JSON form of a v0.7 packed operation as accepted by the
// relay's send-transaction endpoint. Numbers and byte strings are 0x-hex.
type PackedWire struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   hexutil.Bytes  `json:"accountGasLimits"`
	PreVerificationGas *hexutil.Big   `json:"preVerificationGas"`
	GasFees            hexutil.Bytes  `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// RPCWire is the unpacked v0.7 JSON form used by ERC-4337 bundler RPC
// methods. Optional fields are omitted when absent.
type RPCWire struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// LegacyWire is the v0.6 JSON form.
type LegacyWire struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// ToPackedWire renders a packed operation as JSON-ready hex fields.
func ToPackedWire(p *PackedUserOperation) *PackedWire {
	return &PackedWire{
		Sender:             p.Sender,
		Nonce:              hexBig(p.Nonce),
		InitCode:           nonNil(p.InitCode),
		CallData:           nonNil(p.CallData),
		AccountGasLimits:   p.AccountGasLimits[:],
		PreVerificationGas: hexBig(p.PreVerificationGas),
		GasFees:            p.GasFees[:],
		PaymasterAndData:   nonNil(p.PaymasterAndData),
		Signature:          nonNil(p.Signature),
	}
}

// Packed converts the wire form back into a packed operation.
func (w *PackedWire) Packed() (*PackedUserOperation, error) {
	accountGasLimits, err := bytes32Field("accountGasLimits", w.AccountGasLimits)
	if err != nil {
		return nil, err
	}
	gasFees, err := bytes32Field("gasFees", w.GasFees)
	if err != nil {
		return nil, err
	}
	return &PackedUserOperation{
		Sender:             w.Sender,
		Nonce:              fromHexBig(w.Nonce),
		InitCode:           common.CopyBytes(w.InitCode),
		CallData:           common.CopyBytes(w.CallData),
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: fromHexBig(w.PreVerificationGas),
		GasFees:            gasFees,
		PaymasterAndData:   common.CopyBytes(w.PaymasterAndData),
		Signature:          common.CopyBytes(w.Signature),
	}, nil
}

// ToRPCWire renders op in the unpacked v0.7 bundler form.
func ToRPCWire(op *UserOperation) *RPCWire {
	w := &RPCWire{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            nonNil(op.Signature),
	}
	if op.Factory != nil {
		f := *op.Factory
		w.Factory = &f
		w.FactoryData = op.FactoryData
	}
	if op.Paymaster != nil {
		p := *op.Paymaster
		w.Paymaster = &p
		w.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		w.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		w.PaymasterData = nonNil(op.PaymasterData)
	}
	return w
}

// UserOperation converts the bundler form back into a logical operation.
func (w *RPCWire) UserOperation() *UserOperation {
	op := &UserOperation{
		Sender:               w.Sender,
		Nonce:                fromHexBig(w.Nonce),
		CallData:             common.CopyBytes(w.CallData),
		CallGasLimit:         fromHexBig(w.CallGasLimit),
		VerificationGasLimit: fromHexBig(w.VerificationGasLimit),
		PreVerificationGas:   fromHexBig(w.PreVerificationGas),
		MaxFeePerGas:         fromHexBig(w.MaxFeePerGas),
		MaxPriorityFeePerGas: fromHexBig(w.MaxPriorityFeePerGas),
		Signature:            common.CopyBytes(w.Signature),
	}
	if w.Factory != nil {
		f := *w.Factory
		op.Factory = &f
		op.FactoryData = common.CopyBytes(w.FactoryData)
	}
	if w.Paymaster != nil {
		p := *w.Paymaster
		op.Paymaster = &p
		op.PaymasterVerificationGasLimit = fromHexBig(w.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = fromHexBig(w.PaymasterPostOpGasLimit)
		op.PaymasterData = common.CopyBytes(w.PaymasterData)
	}
	return op
}

// ToLegacyWire renders op in the v0.6 form.
func ToLegacyWire(op *UserOperation) *LegacyWire {
	return &LegacyWire{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             nonNil(op.InitCode()),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(op.LegacyPaymasterAndData()),
		Signature:            nonNil(op.Signature),
	}
}

// UserOperation converts the v0.6 form back into a logical operation.
func (w *LegacyWire) UserOperation() (*UserOperation, error) {
	op := &UserOperation{
		Sender:               w.Sender,
		Nonce:                fromHexBig(w.Nonce),
		CallData:             common.CopyBytes(w.CallData),
		CallGasLimit:         fromHexBig(w.CallGasLimit),
		VerificationGasLimit: fromHexBig(w.VerificationGasLimit),
		PreVerificationGas:   fromHexBig(w.PreVerificationGas),
		MaxFeePerGas:         fromHexBig(w.MaxFeePerGas),
		MaxPriorityFeePerGas: fromHexBig(w.MaxPriorityFeePerGas),
		Signature:            common.CopyBytes(w.Signature),
	}
	if n := len(w.InitCode); n > 0 {
		if n < common.AddressLength {
			return nil, apperrors.Construction(fmt.Sprintf("initCode too short: %d bytes", n))
		}
		f := common.BytesToAddress(w.InitCode[:common.AddressLength])
		op.Factory = &f
		op.FactoryData = common.CopyBytes(w.InitCode[common.AddressLength:])
	}
	if n := len(w.PaymasterAndData); n > 0 {
		if n < common.AddressLength {
			return nil, apperrors.Construction(fmt.Sprintf("paymasterAndData too short: %d bytes", n))
		}
		p := common.BytesToAddress(w.PaymasterAndData[:common.AddressLength])
		op.Paymaster = &p
		op.PaymasterData = common.CopyBytes(w.PaymasterAndData[common.AddressLength:])
	}
	return op, nil
}

func bytes32Field(name string, b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != len(out) {
		return out, apperrors.Construction(fmt.Sprintf("%s must be 32 bytes, got %d", name, len(b)))
	}
	copy(out[:], b)
	return out, nil
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(copyBig(v)))
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

// nonNil keeps empty byte fields encoded as "0x" instead of null.
func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
