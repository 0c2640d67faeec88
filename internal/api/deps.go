package api

import (
	"context"

	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// RelayService is the subset of app.RelayService used by the API layer.
// It is an interface to allow handler-level unit tests without a database.
type RelayService interface {
	ChainID() int64
	StoreCredential(ctx context.Context, req *types.CredentialRequest) (*types.CredentialResponse, error)
	GetCredential(ctx context.Context, email string) (*types.CredentialResponse, error)
	EstimateGas(ctx context.Context) *types.GasEstimateResponse
	SendTransaction(ctx context.Context, wire *userop.PackedWire) (*types.SendTransactionResponse, error)
	Operation(ctx context.Context, userOpHash string) (*types.OperationResponse, error)
}
