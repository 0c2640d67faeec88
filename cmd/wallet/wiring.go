package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/benbjohnson/clock"

	"github.com/better-wallet/passkey-account/internal/app"
	"github.com/better-wallet/passkey-account/internal/builder"
	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/kms"
	"github.com/better-wallet/passkey-account/internal/relay"
	"github.com/better-wallet/passkey-account/internal/sessionkey"
	"github.com/better-wallet/passkey-account/internal/signer"
	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// wallet bundles the wired service with the resources it holds open.
type wallet struct {
	service *app.WalletService
	relay   *relay.Client
	state   *app.State
	closers []func()
}

func (w *wallet) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func newWallet(ctx context.Context, cfg *config.ClientConfig) (_ *wallet, err error) {
	w := &wallet{state: app.NewState()}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	chain, err := eth.NewClient(cfg.ChainRPC, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, chain.Close)

	rev, err := cfg.Revision()
	if err != nil {
		return nil, err
	}

	w.relay, err = relay.NewClient(cfg.RelayURL)
	if err != nil {
		return nil, err
	}

	var submitter relay.Submitter = w.relay
	if cfg.SubmitMode == types.SubmitModeBundler {
		bundler, err := relay.DialBundler(ctx, cfg.BundlerURL)
		if err != nil {
			return nil, err
		}
		bundler.SetPollInterval(cfg.ReceiptPollInterval)
		w.closers = append(w.closers, bundler.Close)
		submitter = bundler
	}

	backend, err := openBackend(ctx, cfg, w)
	if err != nil {
		return nil, err
	}

	provider, err := kms.New(ctx, &cfg.KMS)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KMS: %w", err)
	}

	opts := []builder.Option{builder.WithGasPolicy(gasPolicy(cfg.Gas))}
	if pm := cfg.Paymaster(); pm != nil {
		opts = append(opts, builder.WithPaymaster(&builder.Paymaster{Address: *pm, Validity: cfg.PaymasterValidity}))
	}

	w.service = app.NewWalletService(app.WalletDeps{
		Chain:     chain,
		Builder:   builder.New(chain, opts...),
		Submitter: submitter,
		Registry:  w.relay,
		Device:    webauthn.NewSoftwareAuthenticator(cfg.RPID, origin(cfg.RPID)),
		Store:     sessionkey.NewEncryptedStore(backend, provider),
		Gate:      signer.NewGate(clock.New(), cfg.SigningDelay),
	}, app.WalletConfig{
		EntryPoint:          cfg.EntryPoint(),
		Factory:             cfg.Factory(),
		ChainID:             chain.ChainIDBig(),
		Revision:            rev,
		ReceiptTimeout:      cfg.ReceiptTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		SessionAuthMode:     sessionkey.AuthMode(cfg.SessionAuthMode),
	})
	return w, nil
}

func openBackend(ctx context.Context, cfg *config.ClientConfig, w *wallet) (sessionkey.Backend, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendPostgres:
		store, err := storage.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, store.Close)
		return storage.NewBlobRepository(store), nil
	case config.SessionBackendLevelDB:
		level, err := storage.OpenLevelStore(filepath.Join(cfg.DataDir, "store"))
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, func() { _ = level.Close() })
		return level, nil
	default:
		return nil, errors.New("unknown session backend: " + cfg.SessionBackend)
	}
}

func gasPolicy(g config.GasConfig) builder.GasPolicy {
	u := func(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
	return builder.GasPolicy{
		CallGasLimit:                  u(g.CallGasLimit),
		VerificationGasLimit:          u(g.VerificationGasLimit),
		DeployVerificationGasLimit:    u(g.DeployVerificationGasLimit),
		PreVerificationGas:            u(g.PreVerificationGas),
		PaymasterVerificationGasLimit: u(g.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       u(g.PaymasterPostOpGasLimit),
	}
}

// origin is the WebAuthn origin for rpID. Only localhost may use plain http.
func origin(rpID string) string {
	if rpID == "localhost" {
		return "http://localhost"
	}
	return "https://" + rpID
}
