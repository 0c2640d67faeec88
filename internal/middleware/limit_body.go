package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

// MaxBodySize is the maximum allowed request body size (1MB)
const MaxBodySize = 1 << 20

// LimitBody enforces MaxBodySize on requests that carry a body and buffers
// the body so later handlers can read it again. Oversized bodies get 413.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				WriteError(w, apperrors.New(apperrors.ErrCodeBadRequest, "Request body too large", http.StatusRequestEntityTooLarge))
				return
			}
			WriteError(w, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Failed to read request body", err.Error(), http.StatusBadRequest))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
