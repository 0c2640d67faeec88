package userop

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const entryPointV07ABI = `[
  {"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"ops","type":"tuple[]","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"accountGasLimits","type":"bytes32"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"gasFees","type":"bytes32"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}]},
    {"name":"beneficiary","type":"address"}]},
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]},
  {"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
    {"name":"userOpHash","type":"bytes32","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"paymaster","type":"address","indexed":true},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"success","type":"bool","indexed":false},
    {"name":"actualGasCost","type":"uint256","indexed":false},
    {"name":"actualGasUsed","type":"uint256","indexed":false}]},
  {"type":"error","name":"FailedOp","inputs":[
    {"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]}
]`

const entryPointV06ABI = `[
  {"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"ops","type":"tuple[]","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"callGasLimit","type":"uint256"},
      {"name":"verificationGasLimit","type":"uint256"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"maxFeePerGas","type":"uint256"},
      {"name":"maxPriorityFeePerGas","type":"uint256"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}]},
    {"name":"beneficiary","type":"address"}]}
]`

var (
	entryPointV07 = mustParseABI(entryPointV07ABI)
	entryPointV06 = mustParseABI(entryPointV06ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid entry point ABI: %v", err))
	}
	return parsed
}

// legacyUserOperation is the v0.6 on-chain struct.
type legacyUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// EncodeGetNonce returns calldata for getNonce(sender, key). The nonce
// function is identical across entry point versions.
func EncodeGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	return entryPointV07.Pack("getNonce", sender, orZero(key))
}

// DecodeGetNonce parses the getNonce return data.
func DecodeGetNonce(data []byte) (*big.Int, error) {
	out, err := entryPointV07.Unpack("getNonce", data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode getNonce: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("failed to decode getNonce: unexpected %d values", len(out))
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode getNonce: unexpected type %T", out[0])
	}
	return nonce, nil
}

// OperationEvent is the decoded UserOperationEvent for one operation.
type OperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// FindOperationEvent scans receipt logs emitted by entryPoint for the
// UserOperationEvent of userOpHash. It returns nil when none is present.
func FindOperationEvent(logs []*types.Log, entryPoint common.Address, userOpHash common.Hash) (*OperationEvent, error) {
	event := entryPointV07.Events["UserOperationEvent"]
	for _, lg := range logs {
		if lg.Address != entryPoint || len(lg.Topics) != 4 || lg.Topics[0] != event.ID {
			continue
		}
		if lg.Topics[1] != userOpHash {
			continue
		}

		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode UserOperationEvent: %w", err)
		}
		if len(values) != 4 {
			return nil, fmt.Errorf("failed to decode UserOperationEvent: unexpected %d values", len(values))
		}

		return &OperationEvent{
			UserOpHash:    lg.Topics[1],
			Sender:        common.BytesToAddress(lg.Topics[2].Bytes()),
			Paymaster:     common.BytesToAddress(lg.Topics[3].Bytes()),
			Nonce:         values[0].(*big.Int),
			Success:       values[1].(bool),
			ActualGasCost: values[2].(*big.Int),
			ActualGasUsed: values[3].(*big.Int),
		}, nil
	}
	return nil, nil
}

// UserOperationEventTopic is the topic0 of UserOperationEvent.
func UserOperationEventTopic() common.Hash {
	return entryPointV07.Events["UserOperationEvent"].ID
}

// OperationEventData ABI-encodes the non-indexed UserOperationEvent fields.
func OperationEventData(nonce *big.Int, success bool, gasCost, gasUsed *big.Int) ([]byte, error) {
	return entryPointV07.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(nonce, success, gasCost, gasUsed)
}
