package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// =============================================================================
// Call encoding
// =============================================================================

func TestEncodeExecute_RoundTrip(t *testing.T) {
	data, err := EncodeExecute(Call{To: target, Value: big.NewInt(7), Data: []byte{0xca, 0xfe}})
	require.NoError(t, err)
	assert.Equal(t, Account.Methods["execute"].ID, data[:4])

	calls, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, target, calls[0].To)
	assert.Equal(t, int64(7), calls[0].Value.Int64())
	assert.Equal(t, []byte{0xca, 0xfe}, calls[0].Data)
}

func TestEncodeExecute_NilFields(t *testing.T) {
	data, err := EncodeExecute(Call{To: target})
	require.NoError(t, err)

	calls, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, 0, calls[0].Value.Sign())
	assert.Empty(t, calls[0].Data)
}

func TestDecodeCalls_Batch(t *testing.T) {
	type batchCall struct {
		Target common.Address
		Value  *big.Int
		Data   []byte
	}
	data, err := Account.Pack("executeBatch", []batchCall{
		{Target: target, Value: big.NewInt(1), Data: []byte{0x01}},
		{Target: other, Value: big.NewInt(2), Data: []byte{}},
	})
	require.NoError(t, err)

	calls, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, target, calls[0].To)
	assert.Equal(t, other, calls[1].To)
	assert.Equal(t, int64(2), calls[1].Value.Int64())
}

func TestDecodeCalls_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x01, 0x02}},
		{"unknown selector", []byte{0xde, 0xad, 0xbe, 0xef, 0x00}},
		{"truncated arguments", Account.Methods["execute"].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCalls(tt.data)
			assert.Error(t, err)
		})
	}

	t.Run("non-call method", func(t *testing.T) {
		data, err := EncodeSessionKeys(target)
		require.NoError(t, err)
		_, err = DecodeCalls(data)
		assert.Error(t, err)
	})
}

// =============================================================================
// Factory and session keys
// =============================================================================

func TestFactoryEncoding(t *testing.T) {
	pubKey := make([]byte, 64)
	pubKey[31], pubKey[63] = 1, 2

	create, err := EncodeCreateAccount(pubKey, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, Factory.Methods["createAccount"].ID, create[:4])

	get, err := EncodeGetAddress(pubKey, nil)
	require.NoError(t, err)
	assert.Equal(t, Factory.Methods["getAddress"].ID, get[:4])
	assert.Equal(t, create[4:], get[4:])

	ret := common.LeftPadBytes(target.Bytes(), 32)
	addr, err := DecodeGetAddress(ret)
	require.NoError(t, err)
	assert.Equal(t, target, addr)

	_, err = DecodeGetAddress(nil)
	assert.Error(t, err)
}

func TestDecodeSessionKeys(t *testing.T) {
	ret, err := Account.Methods["sessionKeys"].Outputs.Pack(big.NewInt(1_700_000_000), true)
	require.NoError(t, err)

	rec, err := DecodeSessionKeys(ret)
	require.NoError(t, err)
	assert.True(t, rec.IsValid)
	assert.Equal(t, int64(1_700_000_000), rec.ValidUntil.Int64())

	_, err = DecodeSessionKeys([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeUint256(t *testing.T) {
	v, err := DecodeUint256(common.LeftPadBytes([]byte{0x05}, 32))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Int64())

	_, err = DecodeUint256([]byte{0x05})
	assert.Error(t, err)
}

// =============================================================================
// Revert decoding
// =============================================================================

func TestDecodeRevert(t *testing.T) {
	errorString, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	reason, err := abi.Arguments{{Type: errorString}}.Pack("AA23 reverted")
	require.NoError(t, err)

	failedOp := Account.Errors["FailedOp"]
	failedArgs, err := failedOp.Inputs.Pack(big.NewInt(0), "AA21 didn't pay prefund")
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"error string", append(append([]byte{}, revertSelector...), reason...), "AA23 reverted"},
		{"custom error without args", Account.Errors["SmartAccount__InvalidSignature"].ID.Bytes()[:4], "SmartAccount__InvalidSignature"},
		{"failed op", append(append([]byte{}, failedOp.ID[:4]...), failedArgs...), "FailedOp: AA21 didn't pay prefund"},
		{"factory error", Factory.Errors["OwnerRequired"].ID.Bytes()[:4], "OwnerRequired"},
		{"unknown", []byte{0xde, 0xad, 0xbe, 0xef}, "0xdeadbeef"},
		{"short", []byte{0x01}, "0x01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeRevert(tt.data))
		})
	}
}
