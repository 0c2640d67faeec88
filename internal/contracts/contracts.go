// Package contracts holds the ABIs of the account factory and the smart
// account, with typed encoders for the calls the engine makes.
package contracts

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const factoryABI = `[
  {"type":"function","name":"createAccount","stateMutability":"payable",
   "inputs":[{"name":"webAuthnPubKey","type":"bytes"},{"name":"nonce","type":"uint256"}],
   "outputs":[{"name":"account","type":"address"}]},
  {"type":"function","name":"getAddress","stateMutability":"view",
   "inputs":[{"name":"webAuthnPubKey","type":"bytes"},{"name":"nonce","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"error","name":"OwnerRequired","inputs":[]}
]`

const accountABI = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"functionData","type":"bytes"}]},
  {"type":"function","name":"executeBatch","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}]},
  {"type":"function","name":"createSessionKey","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionKeyAddress","type":"address"},{"name":"webAuthnData","type":"bytes"}]},
  {"type":"function","name":"sessionKeys","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],
   "outputs":[{"name":"validUntil","type":"uint256"},{"name":"isValid","type":"bool"}]},
  {"type":"function","name":"SESSION_VALIDITY","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerPubKeyX","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerPubKeyY","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"SessionKeyCreated","anonymous":false,"inputs":[
    {"name":"key","type":"address","indexed":true},
    {"name":"validUntil","type":"uint256","indexed":false}]},
  {"type":"error","name":"SmartAccount__AlreadyInitialized","inputs":[]},
  {"type":"error","name":"SmartAccount__CallFailed","inputs":[{"name":"","type":"bytes"}]},
  {"type":"error","name":"SmartAccount__InvalidOwner","inputs":[]},
  {"type":"error","name":"SmartAccount__InvalidSignature","inputs":[]},
  {"type":"error","name":"SmartAccount__InvalidSignatureLength","inputs":[]},
  {"type":"error","name":"SmartAccount__NotFromEntryPoint","inputs":[]},
  {"type":"error","name":"SmartAccount__NotFromEntryPointOrOwner","inputs":[]},
  {"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
  {"type":"error","name":"FailedOpWithRevert","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"},{"name":"inner","type":"bytes"}]}
]`

var (
	Factory = mustParse(factoryABI)
	Account = mustParse(accountABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// Call is a single call executed by the smart account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// EncodeCreateAccount returns factory calldata deploying the account for an
// encoded owner key.
func EncodeCreateAccount(encodedPubKey []byte, nonce *big.Int) ([]byte, error) {
	return Factory.Pack("createAccount", encodedPubKey, bigOrZero(nonce))
}

// EncodeGetAddress returns factory calldata for the predicted address.
func EncodeGetAddress(encodedPubKey []byte, nonce *big.Int) ([]byte, error) {
	return Factory.Pack("getAddress", encodedPubKey, bigOrZero(nonce))
}

// DecodeGetAddress parses getAddress return data.
func DecodeGetAddress(data []byte) (common.Address, error) {
	out, err := Factory.Unpack("getAddress", data)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %d return values", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected return type %T", out[0])
	}
	return addr, nil
}

// EncodeExecute returns execute(dest, value, data) calldata.
func EncodeExecute(call Call) ([]byte, error) {
	data := call.Data
	if data == nil {
		data = []byte{}
	}
	return Account.Pack("execute", call.To, bigOrZero(call.Value), data)
}

// DecodeCalls reverses execute and executeBatch calldata.
func DecodeCalls(callData []byte) ([]Call, error) {
	if len(callData) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(callData))
	}
	method, err := Account.MethodById(callData[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown selector %s", hexutil.Encode(callData[:4]))
	}
	args, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method.Name, err)
	}

	switch method.Name {
	case "execute":
		return []Call{{
			To:    args[0].(common.Address),
			Value: args[1].(*big.Int),
			Data:  args[2].([]byte),
		}}, nil
	case "executeBatch":
		var batch []struct {
			Target common.Address
			Value  *big.Int
			Data   []byte
		}
		if err := method.Inputs.Copy(&batch, args); err != nil {
			return nil, fmt.Errorf("failed to decode executeBatch: %w", err)
		}
		calls := make([]Call, 0, len(batch))
		for _, c := range batch {
			calls = append(calls, Call{To: c.Target, Value: c.Value, Data: c.Data})
		}
		return calls, nil
	default:
		return nil, fmt.Errorf("unable to decode calls for %q", method.Name)
	}
}

// EncodeCreateSessionKey returns createSessionKey(sessionKey, authData).
func EncodeCreateSessionKey(sessionKey common.Address, authorizationData []byte) ([]byte, error) {
	if authorizationData == nil {
		authorizationData = []byte{}
	}
	return Account.Pack("createSessionKey", sessionKey, authorizationData)
}

// EncodeSessionKeys returns sessionKeys(key) calldata.
func EncodeSessionKeys(sessionKey common.Address) ([]byte, error) {
	return Account.Pack("sessionKeys", sessionKey)
}

// SessionKeyRecord is the on-chain validity record of a session key.
type SessionKeyRecord struct {
	ValidUntil *big.Int
	IsValid    bool
}

// DecodeSessionKeys parses sessionKeys return data.
func DecodeSessionKeys(data []byte) (*SessionKeyRecord, error) {
	var rec SessionKeyRecord
	if err := Account.UnpackIntoInterface(&rec, "sessionKeys", data); err != nil {
		return nil, fmt.Errorf("failed to decode sessionKeys: %w", err)
	}
	return &rec, nil
}

// EncodeOwnerKey returns calldata for ownerPubKeyX (x=true) or ownerPubKeyY.
func EncodeOwnerKey(x bool) ([]byte, error) {
	if x {
		return Account.Pack("ownerPubKeyX")
	}
	return Account.Pack("ownerPubKeyY")
}

// DecodeUint256 parses a single uint256 return value.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(data))
	}
	return new(big.Int).SetBytes(data), nil
}

var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// DecodeRevert renders revert data from the entry point, factory or account
// as a readable message. Unknown data is returned as hex.
func DecodeRevert(data []byte) string {
	if len(data) < 4 {
		return hexutil.Encode(data)
	}
	if bytes.Equal(data[:4], revertSelector) {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return reason
		}
	}
	for _, parsed := range []abi.ABI{Account, Factory} {
		for _, e := range parsed.Errors {
			if !bytes.Equal(e.ID[:4], data[:4]) {
				continue
			}
			values, err := e.Unpack(data)
			if err != nil {
				return e.Name
			}
			if args, ok := values.([]interface{}); ok {
				for _, v := range args {
					if reason, ok := v.(string); ok {
						return fmt.Sprintf("%s: %s", e.Name, reason)
					}
				}
			}
			return e.Name
		}
	}
	return hexutil.Encode(data)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
