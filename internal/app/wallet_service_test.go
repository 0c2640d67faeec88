package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/passkey-account/internal/builder"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/kms"
	"github.com/better-wallet/passkey-account/internal/sessionkey"
	"github.com/better-wallet/passkey-account/internal/signer"
	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

var (
	factoryAddr    = common.HexToAddress("0x00000000000000000000000000000000000fac70")
	entryPointAddr = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	accountAddr    = common.HexToAddress("0x5555555555555555555555555555555555555555")
	recipient      = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeChain struct {
	mu       sync.Mutex
	deployed bool
	nonce    int64
	confirm  error
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To != nil && *msg.To == factoryAddr {
		return common.LeftPadBytes(accountAddr.Bytes(), 32), nil
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeChain) EntryPointNonce(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.nonce), nil
}

func (f *fakeChain) IsDeployed(context.Context, common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployed, nil
}

func (f *fakeChain) SuggestFees(context.Context) (*eth.Fees, error) {
	return eth.FeesFromBase(big.NewInt(1_000_000_000), big.NewInt(1_500_000_000)), nil
}

func (f *fakeChain) ConfirmUserOperation(context.Context, common.Hash, common.Address, common.Hash, time.Duration) (*ethtypes.Receipt, error) {
	if f.confirm != nil {
		return nil, f.confirm
	}
	f.mu.Lock()
	f.nonce++
	f.mu.Unlock()
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
}

func (f *fakeChain) SessionKeyRecord(context.Context, common.Address, common.Address) (*contracts.SessionKeyRecord, error) {
	return &contracts.SessionKeyRecord{ValidUntil: big.NewInt(time.Now().Add(time.Hour).Unix()), IsValid: true}, nil
}

type fakeSubmitter struct {
	state *State
	ops   []*userop.UserOperation
	busy  []bool
	err   error
	// hang blocks Submit until ctx ends, like a bundler that never mines.
	hang bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, op *userop.UserOperation, _ userop.Revision, _ common.Address) (common.Hash, error) {
	if f.state != nil {
		f.busy = append(f.busy, f.state.Busy())
	}
	f.ops = append(f.ops, op.Copy())
	if f.hang {
		<-ctx.Done()
		return common.Hash{}, apperrors.Submission("User operation was not mined", ctx.Err())
	}
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0xbeef"), nil
}

func (f *fakeSubmitter) last() *userop.UserOperation {
	return f.ops[len(f.ops)-1]
}

type fakeRegistry struct {
	creds map[string]*webauthn.Credential
	addrs map[string]common.Address
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{creds: map[string]*webauthn.Credential{}, addrs: map[string]common.Address{}}
}

func (f *fakeRegistry) StoreCredential(_ context.Context, email string, cred *webauthn.Credential, acct common.Address) error {
	f.creds[email] = cred
	f.addrs[email] = acct
	return nil
}

func (f *fakeRegistry) GetCredential(_ context.Context, email string) (*webauthn.Credential, common.Address, error) {
	cred, ok := f.creds[email]
	if !ok {
		return nil, common.Address{}, apperrors.CredentialNotFound(email)
	}
	return cred, f.addrs[email], nil
}

type memoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type harness struct {
	chain     *fakeChain
	submitter *fakeSubmitter
	registry  *fakeRegistry
	backend   *memoryBackend
	service   *WalletService
	state     *State
}

func newStore(t *testing.T, backend *memoryBackend) *sessionkey.EncryptedStore {
	t.Helper()
	provider, err := kms.NewLocalProvider("localhost")
	require.NoError(t, err)
	return sessionkey.NewEncryptedStore(backend, provider)
}

func newService(t *testing.T, chain *fakeChain, sub *fakeSubmitter, reg *fakeRegistry, backend *memoryBackend) *WalletService {
	t.Helper()
	rev, err := userop.NewRevision(userop.V07, userop.FormatPacked)
	require.NoError(t, err)

	return NewWalletService(WalletDeps{
		Chain:     chain,
		Builder:   builder.New(chain),
		Submitter: sub,
		Registry:  reg,
		Device:    webauthn.NewSoftwareAuthenticator("localhost", "http://localhost"),
		Store:     newStore(t, backend),
	}, WalletConfig{
		EntryPoint:          entryPointAddr,
		Factory:             factoryAddr,
		ChainID:             big.NewInt(31337),
		Revision:            rev,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: time.Millisecond,
	})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		chain:    &fakeChain{},
		registry: newFakeRegistry(),
		backend:  &memoryBackend{data: map[string][]byte{}},
		state:    NewState(),
	}
	h.submitter = &fakeSubmitter{state: h.state}
	h.service = newService(t, h.chain, h.submitter, h.registry, h.backend)
	return h
}

func (h *harness) register(t *testing.T) *LoginResult {
	t.Helper()
	res, err := h.service.Register(context.Background(), h.state, "alice@example.com")
	require.NoError(t, err)
	return res
}

func envelopeOf(t *testing.T, sig []byte) *signer.Envelope {
	t.Helper()
	env, err := signer.DecodeEnvelope(sig)
	require.NoError(t, err)
	return env
}

// =============================================================================
// Registration and login
// =============================================================================

func TestWalletService_Register(t *testing.T) {
	h := newHarness(t)
	res := h.register(t)

	assert.Equal(t, accountAddr, res.AccountAddress)
	assert.Nil(t, res.SessionKey)
	assert.False(t, res.Deployed)
	assert.Equal(t, accountAddr, h.registry.addrs["alice@example.com"])
	require.NotNil(t, h.state.Handle())
	assert.Equal(t, "alice@example.com", h.state.Session().Email)
	assert.False(t, h.state.Busy())

	_, ok := h.backend.data[currentSessionKey]
	assert.True(t, ok)
}

func TestWalletService_RegisterInvalidEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Register(context.Background(), h.state, "not-an-email")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
	assert.Nil(t, h.state.Handle())
}

func TestWalletService_LoginOnSameDevice(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	// A fresh process: new authenticator and state over the same store.
	restarted := newService(t, h.chain, h.submitter, h.registry, h.backend)
	st := NewState()
	res, err := restarted.Login(context.Background(), st, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, accountAddr, res.AccountAddress)
	assert.NoError(t, res.Warning)
	require.NotNil(t, st.Handle())

	sig, err := restarted.SignMessage(context.Background(), st, []byte("hello"))
	require.NoError(t, err)
	assert.False(t, envelopeOf(t, sig).IsSessionKey)
}

func TestWalletService_LoginErrors(t *testing.T) {
	t.Run("unknown email", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.service.Login(context.Background(), h.state, "bob@example.com")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
		assert.False(t, h.state.Busy())
	})

	t.Run("passkey on another device", func(t *testing.T) {
		h := newHarness(t)
		h.register(t)

		other := newService(t, h.chain, h.submitter, h.registry, &memoryBackend{data: map[string][]byte{}})
		_, err := other.Login(context.Background(), NewState(), "alice@example.com")
		require.Error(t, err)
		assert.True(t, apperrors.IsSigning(err))
	})
}

func TestWalletService_RestoreAndLogout(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	st := NewState()
	res, err := h.service.Restore(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, accountAddr, res.AccountAddress)

	require.NoError(t, h.service.Logout(context.Background(), st))
	assert.Nil(t, st.Handle())
	assert.Nil(t, st.Session())

	res, err = h.service.Restore(context.Background(), NewState())
	require.NoError(t, err)
	assert.Nil(t, res)
}

// =============================================================================
// Sending
// =============================================================================

func TestWalletService_SendDeploysAccount(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	res, err := h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xbeef"), res.TxHash)
	assert.NotEqual(t, common.Hash{}, res.UserOpHash)

	op := h.submitter.last()
	assert.True(t, op.HasFactory())
	assert.Equal(t, accountAddr, op.Sender)
	assert.False(t, envelopeOf(t, op.Signature).IsSessionKey)
	assert.Equal(t, []bool{true}, h.submitter.busy)
	assert.False(t, h.state.Busy())

	// The mined deployment is remembered for the next operation.
	assert.True(t, h.state.Handle().IsDeployed())
	_, err = h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
	require.NoError(t, err)
	assert.False(t, h.submitter.last().HasFactory())
	assert.Equal(t, int64(1), h.submitter.last().Nonce.Int64())
}

func TestWalletService_SendErrors(t *testing.T) {
	t.Run("not logged in", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAccountNotInitialized))
		assert.False(t, h.state.Busy())
	})

	t.Run("invalid recipient", func(t *testing.T) {
		h := newHarness(t)
		h.register(t)
		_, err := h.service.Send(context.Background(), h.state, &SendRequest{To: "0x1234", Value: big.NewInt(1)})
		require.Error(t, err)
		assert.True(t, apperrors.IsConstruction(err))
		assert.Empty(t, h.submitter.ops)
	})

	t.Run("relay rejects", func(t *testing.T) {
		h := newHarness(t)
		h.register(t)
		h.submitter.err = apperrors.Submission("AA21 didn't pay prefund", nil)

		_, err := h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
		require.Error(t, err)
		assert.True(t, apperrors.IsSubmission(err))
		assert.Contains(t, err.Error(), "AA21 didn't pay prefund")
		assert.False(t, h.state.Busy())
		assert.False(t, h.state.Handle().IsDeployed())
	})

	t.Run("operation fails on-chain", func(t *testing.T) {
		h := newHarness(t)
		h.register(t)
		h.chain.confirm = apperrors.Submission("User operation failed on-chain", nil)

		_, err := h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
		require.Error(t, err)
		assert.True(t, apperrors.IsSubmission(err))
		assert.False(t, h.state.Handle().IsDeployed())
	})

	t.Run("submitter never returns", func(t *testing.T) {
		h := newHarness(t)
		h.register(t)
		h.submitter.hang = true

		done := make(chan error, 1)
		go func() {
			_, err := h.service.Send(context.Background(), h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
			done <- err
		}()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, apperrors.IsSubmission(err))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(5 * time.Second):
			t.Fatal("Send did not honour the receipt timeout")
		}
		assert.False(t, h.state.Busy())
	})
}

// =============================================================================
// Signing
// =============================================================================

func TestWalletService_SignTypedData(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Mail":         {{Name: "contents", Type: "string"}},
		},
		PrimaryType: "Mail",
		Domain:      apitypes.TypedDataDomain{Name: "test"},
		Message:     apitypes.TypedDataMessage{"contents": "hi"},
	}
	sig, err := h.service.SignTypedData(context.Background(), h.state, data)
	require.NoError(t, err)
	assert.False(t, envelopeOf(t, sig).IsSessionKey)

	_, err = h.service.SignTypedData(context.Background(), NewState(), data)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAccountNotInitialized))
}

// =============================================================================
// Session keys
// =============================================================================

func TestWalletService_SessionKeyLifecycle(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	ctx := context.Background()

	rec, err := h.service.CreateSessionKey(ctx, h.state)
	require.NoError(t, err)
	assert.Empty(t, rec.PrivateKey)
	assert.NotZero(t, rec.ValidUntil)

	// The authorization is a passkey-signed self call.
	authOp := h.submitter.last()
	assert.False(t, envelopeOf(t, authOp.Signature).IsSessionKey)
	calls, err := contracts.DecodeCalls(authOp.CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, accountAddr, calls[0].To)

	sk := h.state.Handle().SessionKey()
	require.NotNil(t, sk)
	assert.Equal(t, common.HexToAddress(rec.Address), sk.Address())

	_, err = h.service.Send(ctx, h.state, &SendRequest{To: recipient, Value: big.NewInt(1)})
	require.NoError(t, err)
	assert.True(t, envelopeOf(t, h.submitter.last().Signature).IsSessionKey)

	shown, err := h.service.ShowSessionKey(ctx, h.state)
	require.NoError(t, err)
	require.NotNil(t, shown)
	assert.Equal(t, rec.Address, shown.Address)

	// A restored session resumes the persisted key.
	st := NewState()
	res, err := h.service.Restore(ctx, st)
	require.NoError(t, err)
	require.NotNil(t, res.SessionKey)
	assert.Equal(t, sk.Address(), *res.SessionKey)

	require.NoError(t, h.service.RevokeSessionKey(ctx, h.state))
	assert.Nil(t, h.state.Handle().SessionKey())

	shown, err = h.service.ShowSessionKey(ctx, h.state)
	require.NoError(t, err)
	assert.Nil(t, shown)

	res, err = h.service.Restore(ctx, NewState())
	require.NoError(t, err)
	assert.Nil(t, res.SessionKey)
}

func TestWalletService_SessionKeyCreateFailureKeepsPasskey(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	h.submitter.err = apperrors.Submission("rejected", nil)

	_, err := h.service.CreateSessionKey(context.Background(), h.state)
	require.Error(t, err)
	assert.Nil(t, h.state.Handle().SessionKey())
	assert.False(t, h.state.Busy())

	shown, err := h.service.ShowSessionKey(context.Background(), h.state)
	require.NoError(t, err)
	assert.Nil(t, shown)
}

func TestWalletService_CorruptedSessionKeyFallsBack(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	h.backend.data[sessionkey.RecordKey(accountAddr)] = []byte("garbage")

	res, err := h.service.Restore(context.Background(), NewState())
	require.NoError(t, err)
	assert.Nil(t, res.SessionKey)
	require.Error(t, res.Warning)
	assert.True(t, apperrors.IsStorage(res.Warning))
}
