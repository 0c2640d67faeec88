package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/userop"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// DefaultPollInterval is the receipt polling interval of the bundler client.
const DefaultPollInterval = 2 * time.Second

// UserOperationReceipt is the subset of eth_getUserOperationReceipt used to
// find the carrying transaction.
type UserOperationReceipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason"`
	Receipt    struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

// BundlerClient submits operations through the ERC-4337 JSON-RPC API.
type BundlerClient struct {
	rpc      *rpc.Client
	clock    clock.Clock
	interval time.Duration
}

// DialBundler connects to a bundler endpoint.
func DialBundler(ctx context.Context, rawURL string) (*BundlerClient, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("bundler URL is required")
	}
	c, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler: %w", err)
	}
	return NewBundlerClient(c), nil
}

// NewBundlerClient wraps an RPC client.
func NewBundlerClient(c *rpc.Client) *BundlerClient {
	return &BundlerClient{rpc: c, clock: clock.New(), interval: DefaultPollInterval}
}

// SetClock replaces the polling clock.
func (b *BundlerClient) SetClock(clk clock.Clock) { b.clock = clk }

// SetPollInterval sets how often the receipt is requested.
func (b *BundlerClient) SetPollInterval(d time.Duration) { b.interval = d }

// Submit sends op with eth_sendUserOperation and polls
// eth_getUserOperationReceipt until the bundler reports the carrying
// transaction.
func (b *BundlerClient) Submit(ctx context.Context, op *userop.UserOperation, rev userop.Revision, entryPoint common.Address) (common.Hash, error) {
	opHash, err := b.SendUserOperation(ctx, op, rev, entryPoint)
	if err != nil {
		return common.Hash{}, err
	}

	receipt, err := b.WaitForUserOperation(ctx, opHash)
	if err != nil {
		return common.Hash{}, err
	}
	if !receipt.Success {
		msg := receipt.Reason
		if msg == "" {
			msg = fmt.Sprintf("User operation %s failed on-chain", opHash.Hex())
		}
		return receipt.Receipt.TransactionHash, apperrors.Submission(msg, nil)
	}
	return receipt.Receipt.TransactionHash, nil
}

// SendUserOperation submits op and returns the bundler's operation hash.
func (b *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, rev userop.Revision, entryPoint common.Address) (common.Hash, error) {
	wire, err := rev.Encode(op)
	if err != nil {
		return common.Hash{}, err
	}

	var opHash common.Hash
	if err := b.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", wire, entryPoint); err != nil {
		return common.Hash{}, apperrors.Submission(err.Error(), err)
	}
	logger.Info(ctx, "user operation sent to bundler", "user_op_hash", opHash.Hex())
	return opHash, nil
}

// WaitForUserOperation polls until the bundler returns a receipt for opHash
// or ctx ends.
func (b *BundlerClient) WaitForUserOperation(ctx context.Context, opHash common.Hash) (*UserOperationReceipt, error) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	for {
		var receipt *UserOperationReceipt
		if err := b.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash); err != nil {
			return nil, apperrors.Submission("Failed to fetch user operation receipt", err)
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.Submission("User operation was not mined", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close closes the RPC connection.
func (b *BundlerClient) Close() {
	b.rpc.Close()
}
