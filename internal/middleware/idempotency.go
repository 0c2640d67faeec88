package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/storage"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

const (
	// IdempotencyKeyHeader carries the client's retry key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayHeader marks a response served from the cache.
	IdempotencyReplayHeader = "X-Idempotency-Replay"

	maxIdempotencyKeyLength = 256
	defaultIdempotencyTTL   = 24 * time.Hour
)

// IdempotencyMiddleware replays the first response recorded for an
// Idempotency-Key so a retried send-transaction is not broadcast twice.
type IdempotencyMiddleware struct {
	repo  idempotencyRepo
	ttl   time.Duration
	clock clock.Clock
}

type idempotencyRepo interface {
	Get(ctx context.Context, key, method, url string) (*storage.IdempotencyRecord, error)
	Store(ctx context.Context, record *storage.IdempotencyRecord) error
}

// NewIdempotencyMiddleware creates a new idempotency middleware
func NewIdempotencyMiddleware(repo idempotencyRepo) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		repo:  repo,
		ttl:   defaultIdempotencyTTL,
		clock: clock.New(),
	}
}

// Handle wraps an HTTP handler with idempotency checking.
func (m *IdempotencyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			WriteError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest,
				"Idempotency key too long",
				"Maximum length is 256 characters",
				http.StatusBadRequest,
			))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest,
				"Failed to read request body",
				err.Error(),
				http.StatusBadRequest,
			))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		bodyHash := computeBodyHash(body)

		record, err := m.repo.Get(r.Context(), key, r.Method, r.URL.Path)
		switch {
		case err == nil:
			if record.BodyHash == bodyHash {
				m.replay(w, record)
				return
			}
			WriteError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeIdempotencyKeyReused,
				"Idempotency key reused with different body",
				"Use a new key for a different request.",
				http.StatusConflict,
			))
			return
		case !errors.Is(err, storage.ErrNotFound):
			// Lookups that fail open; the request proceeds unprotected.
			logger.Warn(r.Context(), "idempotency lookup failed", "key", key, "error", err)
		}

		recorder := NewResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		// Server errors are not cached so the client may retry.
		if recorder.StatusCode >= http.StatusInternalServerError {
			return
		}

		err = m.repo.Store(r.Context(), &storage.IdempotencyRecord{
			Key:        key,
			Method:     r.Method,
			URL:        r.URL.Path,
			BodyHash:   bodyHash,
			StatusCode: recorder.StatusCode,
			Headers:    recorder.Headers,
			Body:       recorder.Body.Bytes(),
			ExpiresAt:  m.clock.Now().Add(m.ttl),
		})
		if err != nil {
			logger.Error(r.Context(), "failed to store idempotency record",
				"key", key,
				"method", r.Method,
				"url", r.URL.Path,
				"error", err,
			)
		}
	})
}

func (m *IdempotencyMiddleware) replay(w http.ResponseWriter, record *storage.IdempotencyRecord) {
	// The request ID belongs to this request, not the cached one.
	requestID := w.Header().Get(RequestIDHeader)

	for key, values := range record.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Del(RequestIDHeader)
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.Header().Set(IdempotencyReplayHeader, "true")

	w.WriteHeader(record.StatusCode)
	_, _ = w.Write(record.Body)
}

func computeBodyHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}
