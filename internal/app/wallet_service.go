package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"math/big"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/passkey-account/internal/account"
	"github.com/better-wallet/passkey-account/internal/builder"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/metrics"
	"github.com/better-wallet/passkey-account/internal/relay"
	"github.com/better-wallet/passkey-account/internal/sessionkey"
	"github.com/better-wallet/passkey-account/internal/signer"
	"github.com/better-wallet/passkey-account/internal/tracing"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/validation"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// currentSessionKey is the local store key of the persisted login.
const currentSessionKey = "current_session"

// Chain is the network access the wallet service needs beyond the builder.
// *eth.Client satisfies it.
type Chain interface {
	account.Caller
	IsDeployed(ctx context.Context, address common.Address) (bool, error)
	ConfirmUserOperation(ctx context.Context, txHash common.Hash, entryPoint common.Address, userOpHash common.Hash, interval time.Duration) (*ethtypes.Receipt, error)
	SessionKeyRecord(ctx context.Context, account, sessionKey common.Address) (*contracts.SessionKeyRecord, error)
}

// CredentialRegistry stores and looks up passkey credentials by email.
// *relay.Client satisfies it.
type CredentialRegistry interface {
	StoreCredential(ctx context.Context, email string, cred *webauthn.Credential, account common.Address) error
	GetCredential(ctx context.Context, email string) (*webauthn.Credential, common.Address, error)
}

// Device is the local passkey authenticator. *webauthn.SoftwareAuthenticator
// satisfies it.
//
// A hardware authenticator never releases its key. The CLI has none, so it
// uses the software authenticator and persists the exported P-256 scalar in
// the encrypted store as a stand-in for the platform keystore; Import puts it
// back on the next login. Export and Import exist only for that stand-in.
type Device interface {
	webauthn.Authenticator
	Register() (*webauthn.Credential, error)
	Import(id, privateKey []byte) (*webauthn.Credential, error)
	Export(id []byte) ([]byte, error)
}

// WalletConfig holds the account parameters shared by every handle.
type WalletConfig struct {
	EntryPoint          common.Address
	Factory             common.Address
	ChainID             *big.Int
	Revision            userop.Revision
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	SessionAuthMode     sessionkey.AuthMode
}

// WalletDeps are the collaborators of a WalletService.
type WalletDeps struct {
	Chain     Chain
	Builder   *builder.Builder
	Submitter relay.Submitter
	Registry  CredentialRegistry
	Device    Device
	Store     *sessionkey.EncryptedStore
	Gate      *signer.Gate
}

// WalletService is the client engine: it registers and logs in passkey
// accounts, builds, signs and submits user operations and manages session
// keys. All account state lives in the caller's State.
type WalletService struct {
	chain     Chain
	builder   *builder.Builder
	submitter relay.Submitter
	registry  CredentialRegistry
	device    Device
	store     *sessionkey.EncryptedStore
	gate      *signer.Gate
	resolver  *account.Resolver
	sessions  *sessionkey.Manager
	cfg       WalletConfig
	clock     clock.Clock
}

// NewWalletService creates a new wallet service
func NewWalletService(deps WalletDeps, cfg WalletConfig) *WalletService {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}

	s := &WalletService{
		chain:     deps.Chain,
		builder:   deps.Builder,
		submitter: deps.Submitter,
		registry:  deps.Registry,
		device:    deps.Device,
		store:     deps.Store,
		gate:      deps.Gate,
		resolver:  account.NewResolver(deps.Chain, cfg.Factory),
		cfg:       cfg,
		clock:     clock.New(),
	}
	s.sessions = sessionkey.NewManager(deps.Store, s, deps.Chain, cfg.SessionAuthMode)
	return s
}

// SetClock replaces the clock used for submission timing and session key
// expiry.
func (s *WalletService) SetClock(clk clock.Clock) {
	s.clock = clk
	s.sessions.SetClock(clk)
}

// LoginResult describes the account a login or restore produced.
type LoginResult struct {
	Email          string
	AccountAddress common.Address
	SessionKey     *common.Address
	Deployed       bool

	// Warning explains why a persisted session key could not be resumed.
	Warning error
}

// passkeyRecord is the software device's key, kept under its own
// "passkey:" prefix apart from session-key records.
type passkeyRecord struct {
	PrivateKey string `json:"privateKey"`
}

func passkeyStoreKey(id []byte) string {
	return "passkey:" + base64.RawURLEncoding.EncodeToString(id)
}

// Register creates a passkey, resolves its predicted account address,
// registers the credential with the relay and logs in.
func (s *WalletService) Register(ctx context.Context, st *State, email string) (*LoginResult, error) {
	done := st.begin()
	defer done()

	if err := validation.ValidateEmail(email); err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid email", err.Error(), http.StatusBadRequest)
	}

	cred, err := s.device.Register()
	if err != nil {
		return nil, apperrors.Signing("create passkey", err)
	}
	priv, err := s.device.Export(cred.ID)
	if err != nil {
		return nil, apperrors.Signing("export passkey", err)
	}
	if err := s.store.Put(ctx, passkeyStoreKey(cred.ID), &passkeyRecord{PrivateKey: hexutil.Encode(priv)}); err != nil {
		return nil, err
	}

	h, err := s.newHandle(ctx, cred, nil)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithAccount(ctx, h.Address().Hex())

	if err := s.registry.StoreCredential(ctx, email, cred, h.Address()); err != nil {
		return nil, err
	}

	sess := &Session{Email: email, Credential: cred, AccountAddress: h.Address()}
	if err := s.store.Put(ctx, currentSessionKey, sess); err != nil {
		return nil, err
	}
	st.set(sess, h)

	logger.Info(ctx, "account registered", "email", email)
	return loginResult(sess, h, nil), nil
}

// Login fetches the credential registered for email, loads the matching
// local passkey and restores the account, resuming any persisted session key.
func (s *WalletService) Login(ctx context.Context, st *State, email string) (*LoginResult, error) {
	done := st.begin()
	defer done()

	cred, addr, err := s.registry.GetCredential(ctx, email)
	if err != nil {
		return nil, err
	}

	sess := &Session{Email: email, Credential: cred, AccountAddress: addr}
	res, err := s.open(ctx, st, sess)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, currentSessionKey, sess); err != nil {
		return nil, err
	}
	return res, nil
}

// Restore reopens the persisted login, if any. It returns nil when no
// session is stored.
func (s *WalletService) Restore(ctx context.Context, st *State) (*LoginResult, error) {
	done := st.begin()
	defer done()

	var sess Session
	found, err := s.store.Get(ctx, currentSessionKey, &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return s.open(ctx, st, &sess)
}

// Logout clears the persisted login. Session keys stay persisted under the
// account address.
func (s *WalletService) Logout(ctx context.Context, st *State) error {
	done := st.begin()
	defer done()

	if err := s.store.Remove(ctx, currentSessionKey); err != nil {
		return err
	}
	st.clear()
	logger.Info(ctx, "logged out")
	return nil
}

func (s *WalletService) open(ctx context.Context, st *State, sess *Session) (*LoginResult, error) {
	if sess.Credential == nil {
		return nil, apperrors.Storage("persisted session has no credential", nil)
	}
	ctx = logger.WithAccount(ctx, sess.AccountAddress.Hex())

	var rec passkeyRecord
	found, err := s.store.Get(ctx, passkeyStoreKey(sess.Credential.ID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.Signing("passkey is not available on this device", nil)
	}
	priv, err := hexutil.Decode(rec.PrivateKey)
	if err != nil {
		return nil, apperrors.Storage("decode persisted passkey", err)
	}
	local, err := s.device.Import(sess.Credential.ID, priv)
	if err != nil {
		return nil, apperrors.Signing("import passkey", err)
	}
	if !bytes.Equal(local.PublicKey, sess.Credential.PublicKey) {
		return nil, apperrors.Signing("local passkey does not match the registered credential", nil)
	}

	addr := sess.AccountAddress
	h, err := s.newHandle(ctx, sess.Credential, &addr)
	if err != nil {
		return nil, err
	}

	deployed, err := s.chain.IsDeployed(ctx, addr)
	if err != nil {
		return nil, apperrors.Resolution("read deployment state", err)
	}
	if deployed {
		h.MarkDeployed()
		if err := h.CheckOwner(ctx, s.chain); err != nil {
			return nil, err
		}
	}

	h, warning := s.sessions.Resume(ctx, h)
	switch {
	case warning != nil:
		metrics.SessionKeysTotal.WithLabelValues("fallback").Inc()
	case h.SessionKey() != nil:
		metrics.SessionKeysTotal.WithLabelValues("resume").Inc()
	}

	st.set(sess, h)
	logger.Info(ctx, "session restored", "email", sess.Email, "deployed", deployed)
	return loginResult(sess, h, warning), nil
}

func (s *WalletService) newHandle(ctx context.Context, cred *webauthn.Credential, addr *common.Address) (*account.Handle, error) {
	return account.New(ctx, s.resolver, account.Params{
		Credential: cred,
		Passkey:    signer.NewPasskeySigner(cred, s.device, s.gate),
		Address:    addr,
		EntryPoint: s.cfg.EntryPoint,
		ChainID:    s.cfg.ChainID,
		Revision:   s.cfg.Revision,
	})
}

func loginResult(sess *Session, h *account.Handle, warning error) *LoginResult {
	res := &LoginResult{
		Email:          sess.Email,
		AccountAddress: h.Address(),
		Deployed:       h.IsDeployed(),
		Warning:        warning,
	}
	if sk := h.SessionKey(); sk != nil {
		addr := sk.Address()
		res.SessionKey = &addr
	}
	return res
}

// SendRequest is a single call from the account.
type SendRequest struct {
	To    string
	Value *big.Int
	Data  []byte
}

// SendResult identifies a mined user operation.
type SendResult struct {
	UserOpHash common.Hash
	TxHash     common.Hash
	Receipt    *ethtypes.Receipt
}

// Send builds, signs and submits one call and waits for it to be mined.
func (s *WalletService) Send(ctx context.Context, st *State, req *SendRequest) (*SendResult, error) {
	done := st.begin()
	defer done()

	h := st.Handle()
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if err := validation.ValidateCall(req.To, value, req.Data, nil); err != nil {
		return nil, apperrors.Construction(err.Error())
	}

	call := contracts.Call{To: common.HexToAddress(req.To), Value: value, Data: req.Data}
	return s.execute(ctx, h, call)
}

// Execute runs call from the account as a user operation and returns the
// mined receipt.
func (s *WalletService) Execute(ctx context.Context, h *account.Handle, call contracts.Call) (*ethtypes.Receipt, error) {
	res, err := s.execute(ctx, h, call)
	if err != nil {
		return nil, err
	}
	return res.Receipt, nil
}

func (s *WalletService) execute(ctx context.Context, h *account.Handle, call contracts.Call) (res *SendResult, err error) {
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	ctx = logger.WithAccount(ctx, h.Address().Hex())

	active, err := h.Signer()
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.SpanSendUserOperation,
		tracing.Account(h.Address().Hex()),
		tracing.SignerKind(string(active.Kind())),
	)
	defer func() { tracing.End(span, err) }()

	op, err := s.builder.BuildUserOperation(ctx, h, call)
	if err != nil {
		metrics.UserOperationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	opHash, err := h.UserOperationHash(op)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.UserOpHash(opHash.Hex()))

	sig, err := h.Sign(ctx, opHash)
	if err != nil {
		metrics.UserOperationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	op.Signature = sig
	metrics.SignaturesTotal.WithLabelValues(string(active.Kind())).Inc()

	logger.Info(ctx, "submitting user operation",
		"user_op_hash", opHash.Hex(),
		"nonce", op.Nonce.String(),
		"signer", active.Kind(),
		"deploy", op.HasFactory(),
	)

	// One deadline covers submission and confirmation; a bundler submitter
	// polls for its receipt inside Submit.
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	start := s.clock.Now()
	txHash, err := s.submitter.Submit(waitCtx, op, h.Revision(), h.EntryPoint())
	if err != nil {
		metrics.UserOperationsTotal.WithLabelValues("failed").Inc()
		logger.Error(ctx, "user operation submission failed", "user_op_hash", opHash.Hex(), "error", err)
		return nil, err
	}
	span.SetAttributes(tracing.TxHash(txHash.Hex()))

	receipt, err := s.chain.ConfirmUserOperation(waitCtx, txHash, h.EntryPoint(), opHash, s.cfg.ReceiptPollInterval)
	metrics.SubmissionDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		metrics.UserOperationsTotal.WithLabelValues("failed").Inc()
		logger.Error(ctx, "user operation failed", "user_op_hash", opHash.Hex(), "tx_hash", txHash.Hex(), "error", err)
		return nil, err
	}

	if op.HasFactory() {
		h.MarkDeployed()
	}
	metrics.UserOperationsTotal.WithLabelValues("success").Inc()
	logger.Info(ctx, "user operation mined", "user_op_hash", opHash.Hex(), "tx_hash", txHash.Hex())

	return &SendResult{UserOpHash: opHash, TxHash: txHash, Receipt: receipt}, nil
}

// SignMessage signs an EIP-191 message with the active signer.
func (s *WalletService) SignMessage(ctx context.Context, st *State, message []byte) ([]byte, error) {
	done := st.begin()
	defer done()

	h := st.Handle()
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	sig, err := h.SignMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	s.countSignature(h)
	return sig, nil
}

// SignTypedData signs EIP-712 typed data with the active signer.
func (s *WalletService) SignTypedData(ctx context.Context, st *State, data apitypes.TypedData) ([]byte, error) {
	done := st.begin()
	defer done()

	h := st.Handle()
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	sig, err := h.SignTypedData(ctx, data)
	if err != nil {
		return nil, err
	}
	s.countSignature(h)
	return sig, nil
}

func (s *WalletService) countSignature(h *account.Handle) {
	if active, err := h.Signer(); err == nil {
		metrics.SignaturesTotal.WithLabelValues(string(active.Kind())).Inc()
	}
}

// CreateSessionKey authorizes a new session key on-chain and makes it the
// account's active signer.
func (s *WalletService) CreateSessionKey(ctx context.Context, st *State) (rec *sessionkey.Record, err error) {
	done := st.begin()
	defer done()

	h := st.Handle()
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	ctx = logger.WithAccount(ctx, h.Address().Hex())
	ctx, span := tracing.StartSpan(ctx, tracing.SpanCreateSessionKey, tracing.Account(h.Address().Hex()))
	defer func() { tracing.End(span, err) }()

	next, rec, err := s.sessions.Create(ctx, h)
	if err != nil {
		return nil, err
	}
	st.setHandle(next)
	metrics.SessionKeysTotal.WithLabelValues("create").Inc()

	out := *rec
	out.PrivateKey = ""
	return &out, nil
}

// ShowSessionKey returns the persisted session key of the account without
// its private key, or nil when there is none.
func (s *WalletService) ShowSessionKey(ctx context.Context, st *State) (*sessionkey.Record, error) {
	h := st.Handle()
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}
	return s.sessions.Show(ctx, h)
}

// RevokeSessionKey forgets the local session key and returns the account to
// passkey signing. The key stays valid on-chain until it expires.
func (s *WalletService) RevokeSessionKey(ctx context.Context, st *State) error {
	done := st.begin()
	defer done()

	h := st.Handle()
	if h == nil {
		return apperrors.AccountNotInitialized()
	}
	ctx = logger.WithAccount(ctx, h.Address().Hex())

	next, err := s.sessions.Revoke(ctx, h)
	if err != nil {
		return err
	}
	st.setHandle(next)
	metrics.SessionKeysTotal.WithLabelValues("revoke").Inc()
	return nil
}
