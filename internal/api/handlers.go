package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/middleware"
	"github.com/better-wallet/passkey-account/internal/userop"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
	"github.com/better-wallet/passkey-account/pkg/types"
)

// maxCredentialIDLength bounds the base64url credential id.
const maxCredentialIDLength = 1024

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok", ChainID: s.relay.ChainID()})
}

func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req types.CredentialRequest
	if err := middleware.ValidateJSON(r, &req); err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid request body", err.Error(), http.StatusBadRequest))
		return
	}

	v := middleware.NewValidator()
	if v.Required("email", req.Email) {
		v.Email("email", req.Email)
	}
	if v.Required("credential.id", req.Credential.ID) {
		v.MaxLength("credential.id", req.Credential.ID, maxCredentialIDLength)
	}
	if v.Required("credential.publicKey", req.Credential.PublicKey) {
		v.HexString("credential.publicKey", req.Credential.PublicKey)
	}
	if v.Required("accountAddress", req.AccountAddress) {
		v.EthereumAddress("accountAddress", req.AccountAddress)
	}
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	resp, err := s.relay.StoreCredential(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	resp, err := s.relay.GetCredential(r.Context(), r.PathValue("email"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEstimateGas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.EstimateGas(r.Context()))
}

// handleSendTransaction accepts the packed v0.7 wire form as the body.
func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	var wire userop.PackedWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid user operation", err.Error(), http.StatusBadRequest))
		return
	}

	resp, err := s.relay.SendTransaction(r.Context(), &wire)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	resp, err := s.relay.Operation(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err to an AppError. Anything that is not already an
// AppError is logged and reported as an internal error without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		logger.Error(r.Context(), "unhandled error", "error", err)
		appErr = apperrors.ErrInternalError
	}
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.Error(r.Context(), "request failed", "code", appErr.Code, "error", err)
	}
	middleware.WriteError(w, appErr)
}
