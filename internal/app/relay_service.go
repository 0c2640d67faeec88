package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/keyexec"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/relay"
	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/internal/tracing"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/validation"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// RelayChain is the network access the relay needs. *eth.Client satisfies
// it.
type RelayChain interface {
	EstimateGas(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte) (uint64, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (*eth.Fees, error)
	SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (common.Hash, error)
	ChainIDBig() *big.Int
}

// CredentialStore persists registered credentials.
type CredentialStore interface {
	Upsert(ctx context.Context, c *storage.Credential) error
	GetByEmail(ctx context.Context, email string) (*storage.Credential, error)
}

// OperationStore records relayed operations.
type OperationStore interface {
	Create(ctx context.Context, op *storage.Operation) error
	GetByUserOpHash(ctx context.Context, userOpHash string) (*storage.Operation, error)
}

// RelayConfig holds the relay's submission parameters.
type RelayConfig struct {
	EntryPoint  common.Address
	Beneficiary common.Address
	Gas         config.GasConfig

	// HandleOpsGasLimit fixes the handleOps transaction gas; zero estimates
	// it per request.
	HandleOpsGasLimit uint64
}

// RelayService is the relay backend: it stores credentials and wraps signed
// user operations into handleOps transactions sent from the bundler key.
type RelayService struct {
	chain       RelayChain
	keyExec     keyexec.KeyExecutor
	credentials CredentialStore
	operations  OperationStore
	revision    userop.Revision
	cfg         RelayConfig
}

// NewRelayService creates a new relay service
func NewRelayService(chain RelayChain, keyExec keyexec.KeyExecutor, credentials CredentialStore, operations OperationStore, cfg RelayConfig) (*RelayService, error) {
	rev, err := userop.NewRevision(userop.V07, userop.FormatPacked)
	if err != nil {
		return nil, err
	}
	if cfg.Beneficiary == (common.Address{}) {
		cfg.Beneficiary = keyExec.Address()
	}
	return &RelayService{
		chain:       chain,
		keyExec:     keyExec,
		credentials: credentials,
		operations:  operations,
		revision:    rev,
		cfg:         cfg,
	}, nil
}

// ChainID returns the chain the relay submits to.
func (s *RelayService) ChainID() int64 {
	return s.chain.ChainIDBig().Int64()
}

func badRequest(message string, err error) *apperrors.AppError {
	return apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, message, err.Error(), http.StatusBadRequest)
}

// StoreCredential validates and upserts a credential.
func (s *RelayService) StoreCredential(ctx context.Context, req *types.CredentialRequest) (*types.CredentialResponse, error) {
	if err := validation.ValidateEmail(req.Email); err != nil {
		return nil, badRequest("Invalid email", err)
	}
	cred, err := relay.ParseCredentialPayload(req.Credential)
	if err != nil {
		return nil, badRequest("Invalid credential", err)
	}
	if err := validation.ValidateEthereumAddress(req.AccountAddress); err != nil {
		return nil, badRequest("Invalid account address", err)
	}

	rec := &storage.Credential{
		Email:          req.Email,
		CredentialID:   cred.ID,
		PublicKey:      cred.PublicKey,
		AccountAddress: common.HexToAddress(req.AccountAddress).Hex(),
	}
	if err := s.credentials.Upsert(ctx, rec); err != nil {
		return nil, apperrors.Storage("store credential", err)
	}

	logger.Info(ctx, "credential stored", "email", rec.Email, "account", rec.AccountAddress)
	return credentialResponse(rec), nil
}

// GetCredential returns the credential registered for email.
func (s *RelayService) GetCredential(ctx context.Context, email string) (*types.CredentialResponse, error) {
	rec, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.CredentialNotFound(email)
		}
		return nil, apperrors.Storage("load credential", err)
	}
	return credentialResponse(rec), nil
}

func credentialResponse(rec *storage.Credential) *types.CredentialResponse {
	return &types.CredentialResponse{
		Email: rec.Email,
		Credential: relay.CredentialPayload(&webauthn.Credential{
			ID:        rec.CredentialID,
			PublicKey: rec.PublicKey,
		}),
		AccountAddress: rec.AccountAddress,
		CreatedAt:      rec.CreatedAt,
	}
}

// EstimateGas returns the relay's configured gas defaults.
func (s *RelayService) EstimateGas(_ context.Context) *types.GasEstimateResponse {
	return &types.GasEstimateResponse{
		CallGasLimit:         strconv.FormatUint(s.cfg.Gas.CallGasLimit, 10),
		VerificationGasLimit: strconv.FormatUint(s.cfg.Gas.VerificationGasLimit, 10),
		PreVerificationGas:   strconv.FormatUint(s.cfg.Gas.PreVerificationGas, 10),
	}
}

// SendTransaction wraps a signed packed user operation in handleOps, signs
// the transaction with the bundler key and broadcasts it. It returns once the
// transaction is accepted by the node.
func (s *RelayService) SendTransaction(ctx context.Context, wire *userop.PackedWire) (resp *types.SendTransactionResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanRelaySend)
	defer func() { tracing.End(span, err) }()

	packed, err := wire.Packed()
	if err != nil {
		return nil, badRequest("Invalid user operation", err)
	}
	op, err := packed.Unpack()
	if err != nil {
		return nil, badRequest("Invalid user operation", err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if len(op.Signature) == 0 {
		return nil, apperrors.Construction("user operation is not signed")
	}
	span.SetAttributes(tracing.Account(op.Sender.Hex()))

	chainID := s.chain.ChainIDBig()
	opHash, err := s.revision.Hash(op, s.cfg.EntryPoint, chainID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.UserOpHash(opHash.Hex()))
	ctx = logger.WithAccount(ctx, op.Sender.Hex())

	txHash, err := s.submit(ctx, op, chainID)
	if err != nil {
		logger.Error(ctx, "handleOps submission failed", "user_op_hash", opHash.Hex(), "error", err)
		s.record(ctx, op, opHash, chainID, nil, err)
		return nil, apperrors.Submission(fmt.Sprintf("failed to send transaction: %s", submissionReason(err)), err)
	}
	span.SetAttributes(tracing.TxHash(txHash.Hex()))
	s.record(ctx, op, opHash, chainID, &txHash, nil)

	logger.Info(ctx, "handleOps sent", "user_op_hash", opHash.Hex(), "tx_hash", txHash.Hex())
	return &types.SendTransactionResponse{
		TxHash:     txHash.Hex(),
		UserOpHash: opHash.Hex(),
	}, nil
}

func (s *RelayService) submit(ctx context.Context, op *userop.UserOperation, chainID *big.Int) (common.Hash, error) {
	calldata, err := s.revision.HandleOps([]*userop.UserOperation{op}, s.cfg.Beneficiary)
	if err != nil {
		return common.Hash{}, err
	}

	from := s.keyExec.Address()
	entryPoint := s.cfg.EntryPoint

	nonce, err := s.chain.PendingNonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	fees, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gas := s.cfg.HandleOpsGasLimit
	if gas == 0 {
		gas, err = s.chain.EstimateGas(ctx, from, &entryPoint, nil, calldata)
		if err != nil {
			return common.Hash{}, err
		}
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		To:        &entryPoint,
		Value:     new(big.Int),
		Gas:       gas,
		GasFeeCap: fees.MaxFeePerGas,
		GasTipCap: fees.MaxPriorityFeePerGas,
		Data:      calldata,
	})

	signedTx, err := s.keyExec.SignTransaction(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return s.chain.SendRawTransaction(ctx, signedTx)
}

// submissionReason decodes revert data carried by an RPC error when present.
func submissionReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil && len(data) > 0 {
				return contracts.DecodeRevert(data)
			}
		}
	}
	if appErr, ok := apperrors.IsAppError(err); ok {
		if appErr.Detail != "" {
			return appErr.Detail
		}
		return appErr.Message
	}
	return err.Error()
}

func (s *RelayService) record(ctx context.Context, op *userop.UserOperation, opHash common.Hash, chainID *big.Int, txHash *common.Hash, sendErr error) {
	rec := &storage.Operation{
		UserOpHash: opHash.Hex(),
		Sender:     op.Sender.Hex(),
		Nonce:      op.Nonce.String(),
		ChainID:    chainID.Int64(),
		Status:     storage.OperationStatusSubmitted,
	}
	if txHash != nil {
		h := txHash.Hex()
		rec.TxHash = &h
	}
	if sendErr != nil {
		msg := submissionReason(sendErr)
		rec.Status = storage.OperationStatusFailed
		rec.ErrorMessage = &msg
	}
	if err := s.operations.Create(ctx, rec); err != nil {
		logger.Warn(ctx, "failed to record relayed operation", "user_op_hash", rec.UserOpHash, "error", err)
	}
}

// Operation returns the recorded status of a relayed operation.
func (s *RelayService) Operation(ctx context.Context, userOpHash string) (*types.OperationResponse, error) {
	b, err := hexutil.Decode(userOpHash)
	if err != nil || len(b) != common.HashLength {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid user operation hash", userOpHash, http.StatusBadRequest)
	}

	rec, err := s.operations.GetByUserOpHash(ctx, common.BytesToHash(b).Hex())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewWithDetail(apperrors.ErrCodeNotFound, "Operation not found", userOpHash, http.StatusNotFound)
		}
		return nil, apperrors.Storage("load operation", err)
	}

	resp := &types.OperationResponse{
		UserOpHash: rec.UserOpHash,
		Sender:     rec.Sender,
		Nonce:      rec.Nonce,
		ChainID:    rec.ChainID,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.TxHash != nil {
		resp.TxHash = *rec.TxHash
	}
	if rec.ErrorMessage != nil {
		resp.ErrorMessage = *rec.ErrorMessage
	}
	return resp, nil
}
