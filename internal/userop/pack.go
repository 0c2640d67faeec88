package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

const (
	// MaxGasBits is the widest gas or fee value an operation may carry.
	MaxGasBits = 120

	// halfWidth is the byte width of each operand in a packed pair.
	halfWidth = 16
)

var mask128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// PackUint128Pair returns pad16(high) ‖ pad16(low). Operands wider than 16
// bytes are rejected rather than truncated.
func PackUint128Pair(high, low *big.Int) ([32]byte, error) {
	var out [32]byte

	h, err := toUint128(high)
	if err != nil {
		return out, err
	}
	l, err := toUint128(low)
	if err != nil {
		return out, err
	}

	packed := new(uint256.Int).Lsh(h, 128)
	packed.Or(packed, l)
	return packed.Bytes32(), nil
}

// UnpackUint128Pair is the byte-exact inverse of PackUint128Pair.
func UnpackUint128Pair(packed [32]byte) (high, low *big.Int) {
	v := new(uint256.Int).SetBytes32(packed[:])
	h := new(uint256.Int).Rsh(v, 128)
	l := new(uint256.Int).And(v, mask128)
	return h.ToBig(), l.ToBig()
}

func toUint128(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, apperrors.Construction("packed field must be non-negative")
	}
	u, overflow := uint256.FromBig(v)
	if overflow || u.BitLen() > halfWidth*8 {
		return nil, apperrors.Construction(fmt.Sprintf("packed field wider than %d bytes", halfWidth))
	}
	return u, nil
}

// pad16 renders v as a 16-byte big-endian integer.
func pad16(v *big.Int) ([]byte, error) {
	u, err := toUint128(v)
	if err != nil {
		return nil, err
	}
	b := u.Bytes32()
	return b[halfWidth:], nil
}

// PaymasterAndData renders paymaster ‖ pad16(verificationGas) ‖
// pad16(postOpGas) ‖ paymasterData, the v0.7 layout. It returns nil when no
// paymaster is set.
func (op *UserOperation) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == nil {
		return nil, nil
	}
	verification, err := pad16(op.PaymasterVerificationGasLimit)
	if err != nil {
		return nil, err
	}
	postOp, err := pad16(op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, common.AddressLength+2*halfWidth+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, verification...)
	out = append(out, postOp...)
	return append(out, op.PaymasterData...), nil
}

// LegacyPaymasterAndData renders paymaster ‖ paymasterData, the v0.6 layout
// where paymaster gas is not carried separately.
func (op *UserOperation) LegacyPaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	return append(out, op.PaymasterData...)
}

// PackedUserOperation is the v0.7 on-chain struct. Field names match the
// entry point ABI so it can be passed to abi packing directly.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// Pack renders op into its packed form.
func Pack(op *UserOperation) (*PackedUserOperation, error) {
	accountGasLimits, err := PackUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return nil, err
	}
	gasFees, err := PackUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	paymasterAndData, err := op.PaymasterAndData()
	if err != nil {
		return nil, err
	}

	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              orZero(op.Nonce),
		InitCode:           op.InitCode(),
		CallData:           common.CopyBytes(op.CallData),
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: orZero(op.PreVerificationGas),
		GasFees:            gasFees,
		PaymasterAndData:   paymasterAndData,
		Signature:          common.CopyBytes(op.Signature),
	}, nil
}

// Unpack recovers the logical operation from its packed form.
func (p *PackedUserOperation) Unpack() (*UserOperation, error) {
	op := &UserOperation{
		Sender:             p.Sender,
		Nonce:              orZero(copyBig(p.Nonce)),
		CallData:           common.CopyBytes(p.CallData),
		PreVerificationGas: orZero(copyBig(p.PreVerificationGas)),
		Signature:          common.CopyBytes(p.Signature),
	}
	op.VerificationGasLimit, op.CallGasLimit = UnpackUint128Pair(p.AccountGasLimits)
	op.MaxPriorityFeePerGas, op.MaxFeePerGas = UnpackUint128Pair(p.GasFees)

	switch n := len(p.InitCode); {
	case n == 0:
	case n < common.AddressLength:
		return nil, apperrors.Construction(fmt.Sprintf("initCode too short: %d bytes", n))
	default:
		factory := common.BytesToAddress(p.InitCode[:common.AddressLength])
		op.Factory = &factory
		op.FactoryData = common.CopyBytes(p.InitCode[common.AddressLength:])
	}

	const paymasterHeader = common.AddressLength + 2*halfWidth
	switch n := len(p.PaymasterAndData); {
	case n == 0:
	case n < paymasterHeader:
		return nil, apperrors.Construction(fmt.Sprintf("paymasterAndData too short: %d bytes", n))
	default:
		pad := p.PaymasterAndData
		paymaster := common.BytesToAddress(pad[:common.AddressLength])
		op.Paymaster = &paymaster
		op.PaymasterVerificationGasLimit = new(big.Int).SetBytes(pad[common.AddressLength : common.AddressLength+halfWidth])
		op.PaymasterPostOpGasLimit = new(big.Int).SetBytes(pad[common.AddressLength+halfWidth : paymasterHeader])
		op.PaymasterData = common.CopyBytes(pad[paymasterHeader:])
	}

	return op, nil
}
