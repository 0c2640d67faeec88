package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/passkey-account/internal/api"
	"github.com/better-wallet/passkey-account/internal/app"
	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/eth"
	"github.com/better-wallet/passkey-account/internal/keyexec"
	"github.com/better-wallet/passkey-account/internal/kms"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/middleware"
	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/internal/tracing"
	"github.com/better-wallet/passkey-account/migrations"
)

func main() {
	migrate := flag.Bool("migrate", false, "Apply pending migrations before serving")
	encryptKey := flag.Bool("encrypt-key", false, "Encrypt BUNDLER_PRIVATE_KEY with the configured KMS and print the ciphertext")
	flag.Parse()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	if *encryptKey {
		if err := printEncryptedKey(ctx, cfg); err != nil {
			slog.Error("failed to encrypt bundler key", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, "passkey-relay")
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := storage.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("connected to database")

	if *migrate {
		done, err := store.Migrate(ctx, migrations.FS, storage.MigrateUp, 0)
		if err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied", "count", len(done))
	}

	chain, err := eth.NewClient(cfg.ChainRPC, cfg.ChainID)
	if err != nil {
		slog.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}
	defer chain.Close()

	keyExec, err := newKeyExecutor(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize bundler key", "error", err)
		os.Exit(1)
	}

	slog.Info("initialized key executor", "provider", keyExec.Provider(), "bundler", keyExec.Address().Hex())

	relayService, err := app.NewRelayService(
		chain,
		keyExec,
		storage.NewCredentialRepository(store),
		storage.NewOperationRepository(store),
		app.RelayConfig{
			EntryPoint:        cfg.EntryPoint(),
			Beneficiary:       cfg.Beneficiary(keyExec.Address()),
			Gas:               cfg.Gas,
			HandleOpsGasLimit: cfg.HandleOpsGasLimit,
		},
	)
	if err != nil {
		slog.Error("failed to initialize relay service", "error", err)
		os.Exit(1)
	}

	idempotencyMiddleware := middleware.NewIdempotencyMiddleware(storage.NewIdempotencyRepository(store))
	server := api.NewServer(cfg, relayService, idempotencyMiddleware)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}

// newKeyExecutor prefers the KMS-wrapped bundler key over a raw one.
func newKeyExecutor(ctx context.Context, cfg *config.ServerConfig) (keyexec.KeyExecutor, error) {
	if cfg.BundlerKeyCiphertext == "" {
		return keyexec.NewRawKeyExecutor(cfg.BundlerPrivateKey)
	}

	provider, err := kms.New(ctx, &cfg.KMS)
	if err != nil {
		return nil, err
	}
	return keyexec.NewKMSExecutorFromBase64(ctx, provider, cfg.BundlerKeyCiphertext)
}

func printEncryptedKey(ctx context.Context, cfg *config.ServerConfig) error {
	if cfg.BundlerPrivateKey == "" {
		return fmt.Errorf("BUNDLER_PRIVATE_KEY is required")
	}
	provider, err := kms.New(ctx, &cfg.KMS)
	if err != nil {
		return err
	}
	ciphertext, err := keyexec.EncryptKey(ctx, provider, cfg.BundlerPrivateKey)
	if err != nil {
		return err
	}
	fmt.Println(ciphertext)
	return nil
}
