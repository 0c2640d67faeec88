package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")

	// Inner struct hash for v0.7 packed operations.
	packedOpArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "accountGasLimits", Type: bytes32T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "gasFees", Type: bytes32T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	// Inner struct hash for v0.6 operations.
	legacyOpArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	// Outer hash binding the struct hash to an entry point and chain.
	domainArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// HashPacked computes the v0.7 user operation hash. The signature field is
// excluded.
func HashPacked(p *PackedUserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	inner, err := packedOpArgs.Pack(
		p.Sender,
		orZero(p.Nonce),
		crypto.Keccak256Hash(p.InitCode),
		crypto.Keccak256Hash(p.CallData),
		p.AccountGasLimits,
		orZero(p.PreVerificationGas),
		p.GasFees,
		crypto.Keccak256Hash(p.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return bindDomain(crypto.Keccak256Hash(inner), entryPoint, chainID)
}

// HashLegacy computes the v0.6 user operation hash.
func HashLegacy(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	inner, err := legacyOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.LegacyPaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return bindDomain(crypto.Keccak256Hash(inner), entryPoint, chainID)
}

func bindDomain(opHash common.Hash, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	encoded, err := domainArgs.Pack(opHash, entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}
