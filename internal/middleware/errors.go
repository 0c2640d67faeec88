package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// WriteError writes err as the relay's JSON error body. The message goes in
// the "error" field, which clients surface verbatim.
func WriteError(w http.ResponseWriter, err *apperrors.AppError) {
	status := err.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error:  err.Message,
		Code:   err.Code,
		Detail: err.Detail,
	})
}
