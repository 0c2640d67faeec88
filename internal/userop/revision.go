package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Version identifies an entry point protocol version.
type Version string

const (
	V06 Version = "0.6"
	V07 Version = "0.7"
)

// Format selects how operations travel over the wire.
type Format string

const (
	// FormatUnpacked transmits every field individually; packing happens
	// only while hashing.
	FormatUnpacked Format = "unpacked"

	// FormatPacked transmits gas and fee pairs already packed.
	FormatPacked Format = "packed"
)

// Revision is the per-version strategy for hashing, encoding and submitting
// user operations. It is selected once, when the engine is constructed.
type Revision interface {
	Version() Version
	Format() Format

	// Hash returns the entry point's user operation hash.
	Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error)

	// Encode renders op as the JSON wire object for submission.
	Encode(op *UserOperation) (any, error)

	// Decode parses a wire object produced by Encode.
	Decode(raw json.RawMessage) (*UserOperation, error)

	// HandleOps returns entry point calldata executing ops.
	HandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error)
}

// NewRevision returns the strategy for a version and wire format. Packed
// transmission exists only from v0.7 on.
func NewRevision(version Version, format Format) (Revision, error) {
	switch {
	case version == V07 && format == FormatPacked:
		return packedRevision{}, nil
	case version == V07 && format == FormatUnpacked:
		return unpackedRevision{}, nil
	case version == V06 && format == FormatUnpacked:
		return legacyRevision{}, nil
	case version == V06 && format == FormatPacked:
		return nil, fmt.Errorf("entry point %s has no packed format", version)
	default:
		return nil, fmt.Errorf("unsupported entry point revision: %s/%s", version, format)
	}
}

// ParseVersion parses "0.6" / "0.7" and their v-prefixed spellings.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "0.6", "v0.6", "06":
		return V06, nil
	case "0.7", "v0.7", "07", "":
		return V07, nil
	default:
		return "", fmt.Errorf("unsupported entry point version: %s", s)
	}
}

// packedRevision: v0.7 hashing, packed transmission.
type packedRevision struct{}

func (packedRevision) Version() Version { return V07 }
func (packedRevision) Format() Format   { return FormatPacked }

func (packedRevision) Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	return hashV07(op, entryPoint, chainID)
}

func (packedRevision) Encode(op *UserOperation) (any, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	packed, err := Pack(op)
	if err != nil {
		return nil, err
	}
	return ToPackedWire(packed), nil
}

func (packedRevision) Decode(raw json.RawMessage) (*UserOperation, error) {
	var w PackedWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperrors.Construction(fmt.Sprintf("invalid packed user operation: %v", err))
	}
	packed, err := w.Packed()
	if err != nil {
		return nil, err
	}
	return packed.Unpack()
}

func (packedRevision) HandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	return handleOpsV07(ops, beneficiary)
}

// unpackedRevision: v0.7 hashing, individual fields on the wire.
type unpackedRevision struct{}

func (unpackedRevision) Version() Version { return V07 }
func (unpackedRevision) Format() Format   { return FormatUnpacked }

func (unpackedRevision) Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	return hashV07(op, entryPoint, chainID)
}

func (unpackedRevision) Encode(op *UserOperation) (any, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return ToRPCWire(op), nil
}

func (unpackedRevision) Decode(raw json.RawMessage) (*UserOperation, error) {
	var w RPCWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperrors.Construction(fmt.Sprintf("invalid user operation: %v", err))
	}
	return w.UserOperation(), nil
}

func (unpackedRevision) HandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	return handleOpsV07(ops, beneficiary)
}

// legacyRevision: v0.6 hashing and transmission.
type legacyRevision struct{}

func (legacyRevision) Version() Version { return V06 }
func (legacyRevision) Format() Format   { return FormatUnpacked }

func (legacyRevision) Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if err := op.Validate(); err != nil {
		return common.Hash{}, err
	}
	return HashLegacy(op, entryPoint, chainID)
}

func (legacyRevision) Encode(op *UserOperation) (any, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return ToLegacyWire(op), nil
}

func (legacyRevision) Decode(raw json.RawMessage) (*UserOperation, error) {
	var w LegacyWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperrors.Construction(fmt.Sprintf("invalid user operation: %v", err))
	}
	return w.UserOperation()
}

func (legacyRevision) HandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	legacy := make([]legacyUserOperation, 0, len(ops))
	for _, op := range ops {
		legacy = append(legacy, legacyUserOperation{
			Sender:               op.Sender,
			Nonce:                orZero(op.Nonce),
			InitCode:             nonNil(op.InitCode()),
			CallData:             nonNil(op.CallData),
			CallGasLimit:         orZero(op.CallGasLimit),
			VerificationGasLimit: orZero(op.VerificationGasLimit),
			PreVerificationGas:   orZero(op.PreVerificationGas),
			MaxFeePerGas:         orZero(op.MaxFeePerGas),
			MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
			PaymasterAndData:     nonNil(op.LegacyPaymasterAndData()),
			Signature:            nonNil(op.Signature),
		})
	}
	return entryPointV06.Pack("handleOps", legacy, beneficiary)
}

func hashV07(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if err := op.Validate(); err != nil {
		return common.Hash{}, err
	}
	packed, err := Pack(op)
	if err != nil {
		return common.Hash{}, err
	}
	return HashPacked(packed, entryPoint, chainID)
}

func handleOpsV07(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]PackedUserOperation, 0, len(ops))
	for _, op := range ops {
		p, err := Pack(op)
		if err != nil {
			return nil, err
		}
		p.InitCode = nonNil(p.InitCode)
		p.PaymasterAndData = nonNil(p.PaymasterAndData)
		p.Signature = nonNil(p.Signature)
		packed = append(packed, *p)
	}
	return entryPointV07.Pack("handleOps", packed, beneficiary)
}

var (
	_ Revision = packedRevision{}
	_ Revision = unpackedRevision{}
	_ Revision = legacyRevision{}
)
