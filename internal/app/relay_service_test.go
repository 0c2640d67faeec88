package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/keyexec"
	"github.com/better-wallet/passkey-account/internal/relay"
	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
	"github.com/better-wallet/passkey-account/pkg/types"
)

const bundlerKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// =============================================================================
// Fakes
// =============================================================================

type revertError struct{ data string }

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

type fakeRelayChain struct {
	gas         uint64
	estimateErr error
	sendErr     error
	estimates   int
	sent        []*ethtypes.Transaction
}

func (f *fakeRelayChain) EstimateGas(context.Context, common.Address, *common.Address, *big.Int, []byte) (uint64, error) {
	f.estimates++
	return f.gas, f.estimateErr
}

func (f *fakeRelayChain) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeRelayChain) SuggestFees(context.Context) (*eth.Fees, error) {
	return eth.FeesFromBase(big.NewInt(100), big.NewInt(2)), nil
}

func (f *fakeRelayChain) SendRawTransaction(_ context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Hash(), nil
}

func (f *fakeRelayChain) ChainIDBig() *big.Int { return big.NewInt(31337) }

type memoryCredentials struct {
	byEmail map[string]*storage.Credential
	err     error
}

func (m *memoryCredentials) Upsert(_ context.Context, c *storage.Credential) error {
	if m.err != nil {
		return m.err
	}
	cp := *c
	m.byEmail[c.Email] = &cp
	return nil
}

func (m *memoryCredentials) GetByEmail(_ context.Context, email string) (*storage.Credential, error) {
	if c, ok := m.byEmail[email]; ok {
		return c, nil
	}
	return nil, storage.ErrNotFound
}

type memoryOperations struct {
	mu  sync.Mutex
	ops []*storage.Operation
}

func (m *memoryOperations) Create(_ context.Context, op *storage.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops = append(m.ops, &cp)
	return nil
}

func (m *memoryOperations) GetByUserOpHash(_ context.Context, hash string) (*storage.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.ops) - 1; i >= 0; i-- {
		if m.ops[i].UserOpHash == hash {
			return m.ops[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

type relayHarness struct {
	chain      *fakeRelayChain
	keyExec    *keyexec.RawKeyExecutor
	creds      *memoryCredentials
	operations *memoryOperations
	service    *RelayService
}

func newRelayHarness(t *testing.T, handleOpsGas uint64) *relayHarness {
	t.Helper()
	exec, err := keyexec.NewRawKeyExecutor(bundlerKey)
	require.NoError(t, err)

	h := &relayHarness{
		chain:      &fakeRelayChain{gas: 500_000},
		keyExec:    exec,
		creds:      &memoryCredentials{byEmail: map[string]*storage.Credential{}},
		operations: &memoryOperations{},
	}
	h.service, err = NewRelayService(h.chain, exec, h.creds, h.operations, RelayConfig{
		EntryPoint:        entryPointAddr,
		Gas:               config.GasConfig{CallGasLimit: 10_000, VerificationGasLimit: 200_000, PreVerificationGas: 20_000},
		HandleOpsGasLimit: handleOpsGas,
	})
	require.NoError(t, err)
	return h
}

func signedWire(t *testing.T) (*userop.PackedWire, *userop.UserOperation) {
	t.Helper()
	call, err := contracts.EncodeExecute(contracts.Call{To: common.HexToAddress(recipient), Value: big.NewInt(1)})
	require.NoError(t, err)
	op := &userop.UserOperation{
		Sender:               accountAddr,
		Nonce:                big.NewInt(3),
		CallData:             call,
		CallGasLimit:         big.NewInt(10_000),
		VerificationGasLimit: big.NewInt(200_000),
		PreVerificationGas:   big.NewInt(20_000),
		MaxFeePerGas:         big.NewInt(122),
		MaxPriorityFeePerGas: big.NewInt(2),
		Signature:            []byte{0x01, 0x02},
	}
	packed, err := userop.Pack(op)
	require.NoError(t, err)
	return userop.ToPackedWire(packed), op
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	body, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return "0x08c379a0" + common.Bytes2Hex(body)
}

// =============================================================================
// Credentials
// =============================================================================

func TestRelayService_Credentials(t *testing.T) {
	h := newRelayHarness(t, 0)
	ctx := context.Background()

	auth := webauthn.NewSoftwareAuthenticator("localhost", "http://localhost")
	cred, err := auth.Register()
	require.NoError(t, err)

	req := &types.CredentialRequest{
		Email:          "alice@example.com",
		Credential:     relay.CredentialPayload(cred),
		AccountAddress: accountAddr.Hex(),
	}
	_, err = h.service.StoreCredential(ctx, req)
	require.NoError(t, err)

	got, err := h.service.GetCredential(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, req.Credential, got.Credential)
	assert.Equal(t, accountAddr.Hex(), got.AccountAddress)

	_, err = h.service.GetCredential(ctx, "bob@example.com")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestRelayService_StoreCredentialValidation(t *testing.T) {
	auth := webauthn.NewSoftwareAuthenticator("localhost", "http://localhost")
	cred, err := auth.Register()
	require.NoError(t, err)
	valid := relay.CredentialPayload(cred)

	tests := []struct {
		name string
		req  types.CredentialRequest
	}{
		{"bad email", types.CredentialRequest{Email: "alice", Credential: valid, AccountAddress: accountAddr.Hex()}},
		{"bad public key", types.CredentialRequest{Email: "a@b.co", Credential: types.CredentialPayload{ID: valid.ID, PublicKey: "0x1234"}, AccountAddress: accountAddr.Hex()}},
		{"bad account", types.CredentialRequest{Email: "a@b.co", Credential: valid, AccountAddress: "0x0000000000000000000000000000000000000000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRelayHarness(t, 0)
			_, err := h.service.StoreCredential(context.Background(), &tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
			assert.Empty(t, h.creds.byEmail)
		})
	}
}

func TestRelayService_EstimateGas(t *testing.T) {
	h := newRelayHarness(t, 0)
	resp := h.service.EstimateGas(context.Background())
	assert.Equal(t, "10000", resp.CallGasLimit)
	assert.Equal(t, "200000", resp.VerificationGasLimit)
	assert.Equal(t, "20000", resp.PreVerificationGas)
}

// =============================================================================
// send-transaction
// =============================================================================

func TestRelayService_SendTransaction(t *testing.T) {
	h := newRelayHarness(t, 0)
	wire, op := signedWire(t)

	resp, err := h.service.SendTransaction(context.Background(), wire)
	require.NoError(t, err)
	require.Len(t, h.chain.sent, 1)

	tx := h.chain.sent[0]
	assert.Equal(t, tx.Hash().Hex(), resp.TxHash)
	assert.Equal(t, entryPointAddr, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(500_000), tx.Gas())
	assert.Equal(t, int64(122), tx.GasFeeCap().Int64())

	from, err := ethtypes.Sender(ethtypes.NewLondonSigner(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, h.keyExec.Address(), from)

	rev, err := userop.NewRevision(userop.V07, userop.FormatPacked)
	require.NoError(t, err)
	wantHash, err := rev.Hash(op, entryPointAddr, big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, wantHash.Hex(), resp.UserOpHash)

	wantData, err := rev.HandleOps([]*userop.UserOperation{op}, h.keyExec.Address())
	require.NoError(t, err)
	assert.Equal(t, wantData, tx.Data())

	rec, err := h.service.Operation(context.Background(), resp.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, types.OperationStatusSubmitted, rec.Status)
	assert.Equal(t, resp.TxHash, rec.TxHash)
	assert.Equal(t, "3", rec.Nonce)
}

func TestRelayService_SendTransactionFixedGas(t *testing.T) {
	h := newRelayHarness(t, 1_000_000)
	wire, _ := signedWire(t)

	_, err := h.service.SendTransaction(context.Background(), wire)
	require.NoError(t, err)
	assert.Zero(t, h.chain.estimates)
	assert.Equal(t, uint64(1_000_000), h.chain.sent[0].Gas())
}

func TestRelayService_SendTransactionRevert(t *testing.T) {
	h := newRelayHarness(t, 0)
	h.chain.estimateErr = &revertError{data: revertData(t, "AA21 didn't pay prefund")}
	wire, _ := signedWire(t)

	_, err := h.service.SendTransaction(context.Background(), wire)
	require.Error(t, err)
	assert.True(t, apperrors.IsSubmission(err))

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "failed to send transaction: AA21 didn't pay prefund", appErr.Message)
	assert.Empty(t, h.chain.sent)

	require.Len(t, h.operations.ops, 1)
	assert.Equal(t, storage.OperationStatusFailed, h.operations.ops[0].Status)
	assert.Equal(t, "AA21 didn't pay prefund", *h.operations.ops[0].ErrorMessage)
}

func TestRelayService_SendTransactionBroadcastError(t *testing.T) {
	h := newRelayHarness(t, 0)
	h.chain.sendErr = errors.New("nonce too low")
	wire, _ := signedWire(t)

	_, err := h.service.SendTransaction(context.Background(), wire)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestRelayService_SendTransactionRejectsInvalid(t *testing.T) {
	t.Run("short gas field", func(t *testing.T) {
		h := newRelayHarness(t, 0)
		wire, _ := signedWire(t)
		wire.AccountGasLimits = wire.AccountGasLimits[:16]

		_, err := h.service.SendTransaction(context.Background(), wire)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
	})

	t.Run("unsigned", func(t *testing.T) {
		h := newRelayHarness(t, 0)
		wire, _ := signedWire(t)
		wire.Signature = nil

		_, err := h.service.SendTransaction(context.Background(), wire)
		require.Error(t, err)
		assert.True(t, apperrors.IsConstruction(err))
		assert.Empty(t, h.chain.sent)
	})
}

func TestRelayService_Operation(t *testing.T) {
	h := newRelayHarness(t, 0)

	_, err := h.service.Operation(context.Background(), "0x1234")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))

	_, err = h.service.Operation(context.Background(), common.HexToHash("0xfeed").Hex())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
