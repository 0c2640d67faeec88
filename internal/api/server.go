package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/metrics"
	"github.com/better-wallet/passkey-account/internal/middleware"
)

// Server represents the relay HTTP server
type Server struct {
	config                *config.ServerConfig
	relay                 RelayService
	rateLimiter           *middleware.RateLimiter
	idempotencyMiddleware *middleware.IdempotencyMiddleware
	httpServer            *http.Server
}

// NewServer creates a new API server
func NewServer(
	cfg *config.ServerConfig,
	relay RelayService,
	idempotencyMiddleware *middleware.IdempotencyMiddleware,
) *Server {
	return &Server{
		config:                cfg,
		relay:                 relay,
		rateLimiter:           middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled),
		idempotencyMiddleware: idempotencyMiddleware,
	}
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /credentials",
		metrics.Middleware("credentials", http.HandlerFunc(s.handleStoreCredential)))
	mux.Handle("GET /credentials/{email}",
		metrics.Middleware("credentials", http.HandlerFunc(s.handleGetCredential)))
	mux.Handle("POST /estimate-gas",
		metrics.Middleware("estimate_gas", http.HandlerFunc(s.handleEstimateGas)))

	// Retries of the same body replay the first broadcast result.
	var send http.Handler = http.HandlerFunc(s.handleSendTransaction)
	if s.idempotencyMiddleware != nil {
		send = s.idempotencyMiddleware.Handle(send)
	}
	mux.Handle("POST /send-transaction", metrics.Middleware("send_transaction", send))

	mux.Handle("GET /operations/{hash}",
		metrics.Middleware("operations", http.HandlerFunc(s.handleGetOperation)))

	// Chain: RequestID -> Logging -> RateLimit -> LimitBody -> CORS -> Routes
	return middleware.RequestID(
		middleware.Logging(
			s.rateLimiter.Limit(
				middleware.LimitBody(
					middleware.CORS(s.config.AllowedOrigin)(mux)))))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "relay listening", "port", s.config.Port, "chain_id", s.relay.ChainID())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
