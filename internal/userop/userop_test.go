package userop

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

var (
	testSender     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testFactory    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPaymaster  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testChainID    = big.NewInt(31337)
)

func pow2(n uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), n)
}

func newTestOperation() *UserOperation {
	factory := testFactory
	paymaster := testPaymaster
	return &UserOperation{
		Sender:                        testSender,
		Nonce:                         big.NewInt(0),
		CallData:                      []byte{0xb6, 0x1d, 0x27, 0xf6},
		Factory:                       &factory,
		FactoryData:                   []byte{0x5f, 0xbf, 0xb9, 0xcf, 0x01},
		CallGasLimit:                  big.NewInt(10000),
		VerificationGasLimit:          big.NewInt(20_000_000),
		PreVerificationGas:            big.NewInt(20000),
		MaxFeePerGas:                  big.NewInt(3_000_000_000),
		MaxPriorityFeePerGas:          big.NewInt(1_000_000_000),
		Paymaster:                     &paymaster,
		PaymasterVerificationGasLimit: big.NewInt(200000),
		PaymasterPostOpGasLimit:       big.NewInt(10000),
		PaymasterData:                 []byte{0xaa, 0xbb},
	}
}

// =============================================================================
// Packing
// =============================================================================

func TestPackUint128Pair_Layout(t *testing.T) {
	packed, err := PackUint128Pair(big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)

	var expected [32]byte
	expected[15] = 1
	expected[31] = 2
	assert.Equal(t, expected, packed)
}

func TestPackUint128Pair_RoundTrip(t *testing.T) {
	max128 := new(big.Int).Sub(pow2(128), big.NewInt(1))

	tests := []struct {
		name string
		high *big.Int
		low  *big.Int
	}{
		{"zeros", big.NewInt(0), big.NewInt(0)},
		{"gas limits", big.NewInt(200000), big.NewInt(10000)},
		{"fees", big.NewInt(1_000_000_000), big.NewInt(3_000_000_000)},
		{"max width", max128, max128},
		{"asymmetric", max128, big.NewInt(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := PackUint128Pair(tt.high, tt.low)
			require.NoError(t, err)

			high, low := UnpackUint128Pair(packed)
			assert.Equal(t, 0, tt.high.Cmp(high))
			assert.Equal(t, 0, tt.low.Cmp(low))
		})
	}
}

func TestPackUint128Pair_RejectsWideOperands(t *testing.T) {
	_, err := PackUint128Pair(pow2(128), big.NewInt(1))
	require.Error(t, err)
	assert.True(t, apperrors.IsConstruction(err))

	_, err = PackUint128Pair(big.NewInt(1), big.NewInt(-1))
	require.Error(t, err)
	assert.True(t, apperrors.IsConstruction(err))
}

func TestPaymasterAndData_Layout(t *testing.T) {
	op := newTestOperation()

	pad, err := op.PaymasterAndData()
	require.NoError(t, err)
	require.Len(t, pad, 20+16+16+2)

	assert.Equal(t, testPaymaster.Bytes(), pad[:20])
	assert.Equal(t, int64(200000), new(big.Int).SetBytes(pad[20:36]).Int64())
	assert.Equal(t, int64(10000), new(big.Int).SetBytes(pad[36:52]).Int64())
	assert.Equal(t, []byte{0xaa, 0xbb}, pad[52:])

	op.Paymaster = nil
	pad, err = op.PaymasterAndData()
	require.NoError(t, err)
	assert.Nil(t, pad)
}

func TestPack_Unpack(t *testing.T) {
	op := newTestOperation()
	op.Signature = []byte{0x01, 0x02}

	packed, err := Pack(op)
	require.NoError(t, err)

	wantGas, err := PackUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	require.NoError(t, err)
	assert.Equal(t, wantGas, packed.AccountGasLimits)
	assert.Equal(t, append(testFactory.Bytes(), op.FactoryData...), packed.InitCode)

	back, err := packed.Unpack()
	require.NoError(t, err)

	assert.Equal(t, op.Sender, back.Sender)
	require.NotNil(t, back.Factory)
	assert.Equal(t, testFactory, *back.Factory)
	assert.Equal(t, op.FactoryData, back.FactoryData)
	assert.Equal(t, 0, op.CallGasLimit.Cmp(back.CallGasLimit))
	assert.Equal(t, 0, op.VerificationGasLimit.Cmp(back.VerificationGasLimit))
	assert.Equal(t, 0, op.MaxFeePerGas.Cmp(back.MaxFeePerGas))
	assert.Equal(t, 0, op.MaxPriorityFeePerGas.Cmp(back.MaxPriorityFeePerGas))
	require.NotNil(t, back.Paymaster)
	assert.Equal(t, testPaymaster, *back.Paymaster)
	assert.Equal(t, 0, op.PaymasterVerificationGasLimit.Cmp(back.PaymasterVerificationGasLimit))
	assert.Equal(t, 0, op.PaymasterPostOpGasLimit.Cmp(back.PaymasterPostOpGasLimit))
	assert.Equal(t, op.PaymasterData, back.PaymasterData)
	assert.Equal(t, op.Signature, back.Signature)
}

func TestUnpack_RejectsTruncatedFields(t *testing.T) {
	packed := &PackedUserOperation{InitCode: []byte{0x01, 0x02}}
	_, err := packed.Unpack()
	assert.True(t, apperrors.IsConstruction(err))

	packed = &PackedUserOperation{PaymasterAndData: testPaymaster.Bytes()}
	_, err = packed.Unpack()
	assert.True(t, apperrors.IsConstruction(err))
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_GasBound(t *testing.T) {
	limit := pow2(MaxGasBits)
	justBelow := new(big.Int).Sub(limit, big.NewInt(1))

	setters := map[string]func(op *UserOperation, v *big.Int){
		"callGasLimit":                  func(op *UserOperation, v *big.Int) { op.CallGasLimit = v },
		"verificationGasLimit":          func(op *UserOperation, v *big.Int) { op.VerificationGasLimit = v },
		"preVerificationGas":            func(op *UserOperation, v *big.Int) { op.PreVerificationGas = v },
		"maxFeePerGas":                  func(op *UserOperation, v *big.Int) { op.MaxFeePerGas = v },
		"maxPriorityFeePerGas":          func(op *UserOperation, v *big.Int) { op.MaxPriorityFeePerGas = v },
		"paymasterVerificationGasLimit": func(op *UserOperation, v *big.Int) { op.PaymasterVerificationGasLimit = v },
		"paymasterPostOpGasLimit":       func(op *UserOperation, v *big.Int) { op.PaymasterPostOpGasLimit = v },
	}

	for name, set := range setters {
		t.Run(name+"_at_limit_rejected", func(t *testing.T) {
			op := newTestOperation()
			set(op, limit)
			err := op.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsConstruction(err))
			assert.Contains(t, err.Error(), name)
		})
		t.Run(name+"_below_limit_accepted", func(t *testing.T) {
			op := newTestOperation()
			set(op, justBelow)
			assert.NoError(t, op.Validate())
		})
	}
}

func TestValidate_Consistency(t *testing.T) {
	t.Run("factory without data", func(t *testing.T) {
		op := newTestOperation()
		op.FactoryData = nil
		assert.True(t, apperrors.IsConstruction(op.Validate()))
	})

	t.Run("data without factory", func(t *testing.T) {
		op := newTestOperation()
		op.Factory = nil
		assert.True(t, apperrors.IsConstruction(op.Validate()))
	})

	t.Run("paymaster data without paymaster", func(t *testing.T) {
		op := newTestOperation()
		op.Paymaster = nil
		assert.True(t, apperrors.IsConstruction(op.Validate()))
	})

	t.Run("missing nonce", func(t *testing.T) {
		op := newTestOperation()
		op.Nonce = nil
		assert.True(t, apperrors.IsConstruction(op.Validate()))
	})

	t.Run("deployed account without paymaster", func(t *testing.T) {
		op := newTestOperation()
		op.Factory, op.FactoryData = nil, nil
		op.Paymaster, op.PaymasterData = nil, nil
		assert.NoError(t, op.Validate())
	})
}

// =============================================================================
// Hashing
// =============================================================================

func TestHash_ExcludesSignature(t *testing.T) {
	rev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)

	op := newTestOperation()
	h1, err := rev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)

	op.Signature = []byte{0xde, 0xad, 0xbe, 0xef}
	h2, err := rev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHash_BindsDomainAndFields(t *testing.T) {
	rev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)

	op := newTestOperation()
	base, err := rev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)

	otherChain, err := rev.Hash(op, testEntryPoint, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherChain)

	otherEntryPoint, err := rev.Hash(op, testSender, testChainID)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherEntryPoint)

	changed := op.Copy()
	changed.CallGasLimit = big.NewInt(10001)
	changedHash, err := rev.Hash(changed, testEntryPoint, testChainID)
	require.NoError(t, err)
	assert.NotEqual(t, base, changedHash)
}

func TestHash_FormatDoesNotChangeV07Hash(t *testing.T) {
	packedRev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)
	unpackedRev, err := NewRevision(V07, FormatUnpacked)
	require.NoError(t, err)
	legacyRev, err := NewRevision(V06, FormatUnpacked)
	require.NoError(t, err)

	op := newTestOperation()
	h1, err := packedRev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)
	h2, err := unpackedRev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)
	h3, err := legacyRev.Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)

	packed, err := Pack(op)
	require.NoError(t, err)
	direct, err := HashPacked(packed, testEntryPoint, testChainID)
	require.NoError(t, err)
	assert.Equal(t, h1, direct)
}

func TestHash_RejectsOversizedFields(t *testing.T) {
	rev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)

	op := newTestOperation()
	op.CallGasLimit = pow2(MaxGasBits)
	_, err = rev.Hash(op, testEntryPoint, testChainID)
	assert.True(t, apperrors.IsConstruction(err))
}

// =============================================================================
// Revisions
// =============================================================================

func TestNewRevision(t *testing.T) {
	_, err := NewRevision(V06, FormatPacked)
	assert.Error(t, err)

	_, err = NewRevision("0.8", FormatUnpacked)
	assert.Error(t, err)

	v, err := ParseVersion("v0.6")
	require.NoError(t, err)
	assert.Equal(t, V06, v)

	_, err = ParseVersion("0.5")
	assert.Error(t, err)
}

func TestRevision_EncodeDecode(t *testing.T) {
	cases := []struct {
		version Version
		format  Format
	}{
		{V07, FormatPacked},
		{V07, FormatUnpacked},
	}

	for _, c := range cases {
		t.Run(string(c.version)+"_"+string(c.format), func(t *testing.T) {
			rev, err := NewRevision(c.version, c.format)
			require.NoError(t, err)

			op := newTestOperation()
			op.Signature = []byte{0x01}

			wire, err := rev.Encode(op)
			require.NoError(t, err)
			raw, err := json.Marshal(wire)
			require.NoError(t, err)

			back, err := rev.Decode(raw)
			require.NoError(t, err)

			h1, err := rev.Hash(op, testEntryPoint, testChainID)
			require.NoError(t, err)
			h2, err := rev.Hash(back, testEntryPoint, testChainID)
			require.NoError(t, err)
			assert.Equal(t, h1, h2)
			assert.Equal(t, op.Signature, back.Signature)
		})
	}
}

func TestLegacyRevision_DropsPaymasterGas(t *testing.T) {
	rev, err := NewRevision(V06, FormatUnpacked)
	require.NoError(t, err)

	op := newTestOperation()
	wire, err := rev.Encode(op)
	require.NoError(t, err)

	legacy := wire.(*LegacyWire)
	assert.Equal(t, append(testPaymaster.Bytes(), 0xaa, 0xbb), []byte(legacy.PaymasterAndData))
	assert.Equal(t, op.InitCode(), []byte(legacy.InitCode))
}

func TestPackedWire_JSONShape(t *testing.T) {
	rev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)

	op := newTestOperation()
	op.Factory, op.FactoryData = nil, nil

	wire, err := rev.Encode(op)
	require.NoError(t, err)
	raw, err := json.Marshal(wire)
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "0x0", fields["nonce"])
	assert.Equal(t, "0x", fields["initCode"])
	assert.Equal(t, "0x4e20", fields["preVerificationGas"])
	assert.Len(t, fields["accountGasLimits"], 66)
	assert.Len(t, fields["gasFees"], 66)
}

func TestPackedWire_RejectsShortPackedFields(t *testing.T) {
	rev, err := NewRevision(V07, FormatPacked)
	require.NoError(t, err)

	raw := []byte(`{"sender":"0x1111111111111111111111111111111111111111","nonce":"0x0","initCode":"0x","callData":"0x","accountGasLimits":"0x01","preVerificationGas":"0x0","gasFees":"0x01","paymasterAndData":"0x","signature":"0x"}`)
	_, err = rev.Decode(raw)
	assert.True(t, apperrors.IsConstruction(err))
}

func TestHandleOps(t *testing.T) {
	beneficiary := common.HexToAddress("0x4444444444444444444444444444444444444444")

	t.Run("v0.7", func(t *testing.T) {
		rev, err := NewRevision(V07, FormatPacked)
		require.NoError(t, err)

		data, err := rev.HandleOps([]*UserOperation{newTestOperation()}, beneficiary)
		require.NoError(t, err)

		method := entryPointV07.Methods["handleOps"]
		assert.True(t, bytes.HasPrefix(data, method.ID))

		args, err := method.Inputs.Unpack(data[4:])
		require.NoError(t, err)
		require.Len(t, args, 2)
		assert.Equal(t, beneficiary, args[1].(common.Address))
	})

	t.Run("v0.6", func(t *testing.T) {
		rev, err := NewRevision(V06, FormatUnpacked)
		require.NoError(t, err)

		data, err := rev.HandleOps([]*UserOperation{newTestOperation()}, beneficiary)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, entryPointV06.Methods["handleOps"].ID))
	})
}

// =============================================================================
// Entry point helpers
// =============================================================================

func TestGetNonce_EncodeDecode(t *testing.T) {
	data, err := EncodeGetNonce(testSender, nil)
	require.NoError(t, err)
	assert.Len(t, data, 4+32+32)

	ret := common.LeftPadBytes(big.NewInt(7).Bytes(), 32)
	nonce, err := DecodeGetNonce(ret)
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())

	_, err = DecodeGetNonce(nil)
	assert.Error(t, err)
}

func TestFindOperationEvent(t *testing.T) {
	opHash := common.HexToHash("0xabcdef")
	data, err := OperationEventData(big.NewInt(3), false, big.NewInt(100), big.NewInt(50))
	require.NoError(t, err)

	logs := []*types.Log{
		{Address: testSender, Topics: []common.Hash{UserOperationEventTopic(), opHash, {}, {}}, Data: data},
		{
			Address: testEntryPoint,
			Topics: []common.Hash{
				UserOperationEventTopic(),
				opHash,
				common.BytesToHash(testSender.Bytes()),
				common.BytesToHash(testPaymaster.Bytes()),
			},
			Data: data,
		},
	}

	event, err := FindOperationEvent(logs, testEntryPoint, opHash)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.False(t, event.Success)
	assert.Equal(t, testSender, event.Sender)
	assert.Equal(t, testPaymaster, event.Paymaster)
	assert.Equal(t, int64(3), event.Nonce.Int64())

	missing, err := FindOperationEvent(logs, testEntryPoint, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}
