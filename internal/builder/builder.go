// Package builder assembles unsigned user operations from live chain state.
package builder

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/account"
	"github.com/better-wallet/passkey-account/internal/contracts"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/userop"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// Chain is the network state the builder reads.
type Chain interface {
	EntryPointNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error)
	IsDeployed(ctx context.Context, address common.Address) (bool, error)
	SuggestFees(ctx context.Context) (*eth.Fees, error)
}

// GasPolicy holds the fixed gas limits attached to every operation.
type GasPolicy struct {
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	DeployVerificationGasLimit    *big.Int
	PreVerificationGas            *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// DefaultGasPolicy returns the limits used when none are configured.
func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		CallGasLimit:                  big.NewInt(10_000),
		VerificationGasLimit:          big.NewInt(200_000),
		DeployVerificationGasLimit:    big.NewInt(20_000_000),
		PreVerificationGas:            big.NewInt(20_000),
		PaymasterVerificationGasLimit: big.NewInt(200_000),
		PaymasterPostOpGasLimit:       big.NewInt(10_000),
	}
}

// Paymaster configures fee sponsorship. When Data is nil the paymaster data
// is the validity window pad32(validUntil) ‖ pad32(validAfter).
type Paymaster struct {
	Address  common.Address
	Validity time.Duration
	Data     []byte
}

// Option configures a Builder.
type Option func(*Builder)

// WithGasPolicy overrides the default gas limits.
func WithGasPolicy(p GasPolicy) Option {
	return func(b *Builder) { b.gas = p }
}

// WithPaymaster attaches a paymaster to every operation.
func WithPaymaster(pm *Paymaster) Option {
	return func(b *Builder) { b.paymaster = pm }
}

// WithClock sets the clock used for paymaster validity windows.
func WithClock(clk clock.Clock) Option {
	return func(b *Builder) { b.clock = clk }
}

// Builder produces unsigned user operations.
type Builder struct {
	chain     Chain
	gas       GasPolicy
	paymaster *Paymaster
	clock     clock.Clock
}

// New creates a builder.
func New(chain Chain, opts ...Option) *Builder {
	b := &Builder{
		chain: chain,
		gas:   DefaultGasPolicy(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildUserOperation returns a populated operation executing calls from the
// account. The signature is left empty. Exactly one call is accepted.
func (b *Builder) BuildUserOperation(ctx context.Context, h *account.Handle, calls ...contracts.Call) (*userop.UserOperation, error) {
	if h == nil {
		return nil, apperrors.AccountNotInitialized()
	}

	callData, err := h.EncodeCalls(calls)
	if err != nil {
		return nil, err
	}

	sender := h.Address()
	nonce, err := b.chain.EntryPointNonce(ctx, h.EntryPoint(), sender, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read account nonce: %w", err)
	}

	op := &userop.UserOperation{
		Sender:             sender,
		Nonce:              nonce,
		CallData:           callData,
		CallGasLimit:       new(big.Int).Set(b.gas.CallGasLimit),
		PreVerificationGas: new(big.Int).Set(b.gas.PreVerificationGas),
		Signature:          []byte{},
	}

	deployed, err := b.deployed(ctx, h)
	if err != nil {
		return nil, err
	}
	if deployed {
		op.VerificationGasLimit = new(big.Int).Set(b.gas.VerificationGasLimit)
	} else {
		factory, factoryData, err := h.FactoryArgs()
		if err != nil {
			return nil, err
		}
		op.Factory = &factory
		op.FactoryData = factoryData
		op.VerificationGasLimit = new(big.Int).Set(b.gas.DeployVerificationGasLimit)
	}

	fees, err := b.chain.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate fees: %w", err)
	}
	op.MaxFeePerGas = fees.MaxFeePerGas
	op.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas

	if b.paymaster != nil {
		pm := b.paymaster.Address
		op.Paymaster = &pm
		op.PaymasterVerificationGasLimit = new(big.Int).Set(b.gas.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = new(big.Int).Set(b.gas.PaymasterPostOpGasLimit)
		op.PaymasterData = b.paymasterData()
	}

	if err := op.Validate(); err != nil {
		return nil, err
	}

	logger.Debug(ctx, "built user operation",
		"sender", sender.Hex(),
		"nonce", nonce.String(),
		"deploy", !deployed,
	)
	return op, nil
}

func (b *Builder) deployed(ctx context.Context, h *account.Handle) (bool, error) {
	if h.IsDeployed() {
		return true, nil
	}
	deployed, err := b.chain.IsDeployed(ctx, h.Address())
	if err != nil {
		return false, fmt.Errorf("failed to read deployment state: %w", err)
	}
	if deployed {
		h.MarkDeployed()
	}
	return deployed, nil
}

func (b *Builder) paymasterData() []byte {
	if b.paymaster.Data != nil {
		return common.CopyBytes(b.paymaster.Data)
	}
	return ValidityWindow(b.clock.Now(), b.paymaster.Validity)
}

// ValidityWindow returns pad32(now+validity) ‖ pad32(now-validity) in unix
// seconds.
func ValidityWindow(now time.Time, validity time.Duration) []byte {
	secs := int64(validity / time.Second)
	until := big.NewInt(now.Unix() + secs)
	after := big.NewInt(now.Unix() - secs)
	if after.Sign() < 0 {
		after.SetInt64(0)
	}

	out := make([]byte, 64)
	until.FillBytes(out[:32])
	after.FillBytes(out[32:])
	return out
}
