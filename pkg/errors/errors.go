package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code.
// Engine errors carry one of the taxonomy codes below; the relay maps the same
// type onto HTTP responses.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
	Cause      error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Taxonomy codes raised by the engine
const (
	ErrCodeResolution            = "resolution_error"
	ErrCodeConstruction          = "construction_error"
	ErrCodeSigning               = "signing_error"
	ErrCodeSubmission            = "submission_error"
	ErrCodeStorage               = "storage_error"
	ErrCodeAccountNotInitialized = "account_not_initialized"
)

// Relay error codes
const (
	ErrCodeNotFound             = "not_found"
	ErrCodeBadRequest           = "bad_request"
	ErrCodeConflict             = "conflict"
	ErrCodeRateLimited          = "rate_limited"
	ErrCodeInternalError        = "internal_error"
	ErrCodeIdempotencyKeyReused = "idempotency_key_reused"
)

// Predefined errors
var (
	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrConflict = &AppError{
		Code:       ErrCodeConflict,
		Message:    "Request conflict",
		StatusCode: http.StatusConflict,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// Resolution reports a failed account address lookup.
func Resolution(detail string, cause error) *AppError {
	return &AppError{
		Code:       ErrCodeResolution,
		Message:    "Failed to resolve account address",
		Detail:     withCause(detail, cause),
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// Construction reports a user operation that cannot be built as requested.
func Construction(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeConstruction,
		Message:    "Invalid user operation",
		Detail:     detail,
		StatusCode: http.StatusBadRequest,
	}
}

// Signing reports a signature that could not be produced or decoded.
func Signing(detail string, cause error) *AppError {
	return &AppError{
		Code:       ErrCodeSigning,
		Message:    "Failed to sign",
		Detail:     withCause(detail, cause),
		StatusCode: http.StatusUnprocessableEntity,
		Cause:      cause,
	}
}

// Submission reports a rejected or failed submission. The message is shown to
// the user as is, so relay messages are passed through unchanged.
func Submission(message string, cause error) *AppError {
	if message == "" {
		message = "Failed to submit user operation"
	}
	e := &AppError{
		Code:       ErrCodeSubmission,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Storage reports an encrypted storage read, write or decrypt failure.
func Storage(detail string, cause error) *AppError {
	return &AppError{
		Code:       ErrCodeStorage,
		Message:    "Encrypted storage failure",
		Detail:     withCause(detail, cause),
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// AccountNotInitialized is returned when an operation needs a smart account
// that has not been instantiated yet.
func AccountNotInitialized() *AppError {
	return &AppError{
		Code:       ErrCodeAccountNotInitialized,
		Message:    "Smart account not initialized",
		StatusCode: http.StatusConflict,
	}
}

// CredentialNotFound creates a credential not found error
func CredentialNotFound(email string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Credential not found",
		Detail:     fmt.Sprintf("email: %s", email),
		StatusCode: http.StatusNotFound,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}

func IsResolution(err error) bool   { return HasCode(err, ErrCodeResolution) }
func IsConstruction(err error) bool { return HasCode(err, ErrCodeConstruction) }
func IsSigning(err error) bool      { return HasCode(err, ErrCodeSigning) }
func IsSubmission(err error) bool   { return HasCode(err, ErrCodeSubmission) }
func IsStorage(err error) bool      { return HasCode(err, ErrCodeStorage) }

func withCause(detail string, cause error) string {
	if cause == nil {
		return detail
	}
	if detail == "" {
		return cause.Error()
	}
	return detail + ": " + cause.Error()
}
