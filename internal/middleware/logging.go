package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/passkey-account/internal/logger"
)

// Logging logs one line per request with its status and latency.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", ClientIP(r),
		}
		switch {
		case rec.StatusCode >= 500:
			logger.Error(r.Context(), "request failed", args...)
		case rec.StatusCode >= 400:
			logger.Warn(r.Context(), "request rejected", args...)
		default:
			logger.Info(r.Context(), "request completed", args...)
		}
	})
}
