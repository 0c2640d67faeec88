package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/userop"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Backend is the subset of the Ethereum JSON-RPC API the client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client wraps an Ethereum RPC client
type Client struct {
	backend Backend
	chainID *big.Int
	clock   clock.Clock
	close   func()
}

// NewClient dials rpcURL. A zero chainID is detected from the node.
func NewClient(rpcURL string, chainID int64) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c, err := NewClientWithBackend(context.Background(), client, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.close = client.Close
	return c, nil
}

// NewClientWithBackend creates a client over an existing backend.
func NewClientWithBackend(ctx context.Context, backend Backend, chainID int64) (*Client, error) {
	id := big.NewInt(chainID)
	if chainID == 0 {
		detected, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
		id = detected
	}

	return &Client{
		backend: backend,
		chainID: id,
		clock:   clock.New(),
	}, nil
}

// SetClock replaces the clock used for receipt polling.
func (c *Client) SetClock(clk clock.Clock) {
	c.clock = clk
}

// ChainID returns the chain ID
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// ChainIDBig returns the chain ID as big.Int
func (c *Client) ChainIDBig() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// GetBalance returns the balance of an address in wei
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, blockNumber)
}

// IsDeployed reports whether code exists at address.
func (c *Client) IsDeployed(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code: %w", err)
	}
	return len(code) > 0, nil
}

// EntryPointNonce reads the sender's nonce for key from the entry point.
func (c *Client) EntryPointNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := userop.EncodeGetNonce(sender, key)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry point nonce: %w", err)
	}
	return userop.DecodeGetNonce(out)
}

// Fees are the EIP-1559 fee caps for a user operation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeesFromBase returns maxFee = baseFee * 120 / 100 + tip.
func FeesFromBase(baseFee, tip *big.Int) *Fees {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(120))
	maxFee.Div(maxFee, big.NewInt(100))
	maxFee.Add(maxFee, tip)
	return &Fees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(big.Int).Set(tip),
	}
}

// SuggestFees estimates fee caps from the latest base fee and the node's tip
// suggestion.
func (c *Client) SuggestFees(ctx context.Context) (*Fees, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return FeesFromBase(baseFee, tip), nil
}

// EstimateGas estimates the gas needed for a transaction with a 20% buffer.
func (c *Client) EstimateGas(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From:  from,
		To:    to,
		Value: value,
		Data:  data,
	}

	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}

	return gas * 120 / 100, nil
}

// PendingNonce returns the next transaction nonce for an address
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// SendRawTransaction broadcasts a signed transaction to the network
func (c *Client) SendRawTransaction(ctx context.Context, signedTx *types.Transaction) (common.Hash, error) {
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// WaitForReceipt polls until txHash is mined or ctx ends.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt for %s not found: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ConfirmUserOperation waits for txHash and checks that it executed the user
// operation successfully. A reverted transaction, a missing operation event
// or a failed one is a submission error.
func (c *Client) ConfirmUserOperation(ctx context.Context, txHash common.Hash, entryPoint common.Address, userOpHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	receipt, err := c.WaitForReceipt(ctx, txHash, interval)
	if err != nil {
		return nil, apperrors.Submission("Transaction was not mined", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, apperrors.Submission(fmt.Sprintf("Transaction %s reverted", txHash.Hex()), nil)
	}

	event, err := userop.FindOperationEvent(receipt.Logs, entryPoint, userOpHash)
	if err != nil {
		return receipt, apperrors.Submission("Failed to decode user operation event", err)
	}
	if event == nil {
		return receipt, apperrors.Submission(fmt.Sprintf("Transaction %s did not execute user operation %s", txHash.Hex(), userOpHash.Hex()), nil)
	}
	if !event.Success {
		return receipt, apperrors.Submission(fmt.Sprintf("User operation %s failed on-chain", userOpHash.Hex()), nil)
	}
	return receipt, nil
}

// SessionKeyRecord reads the account's validity record for a session key.
func (c *Client) SessionKeyRecord(ctx context.Context, account, sessionKey common.Address) (*contracts.SessionKeyRecord, error) {
	data, err := contracts.EncodeSessionKeys(sessionKey)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &account, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}
	return contracts.DecodeSessionKeys(out)
}

// Close closes the client connection
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}
