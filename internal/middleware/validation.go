package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/better-wallet/passkey-account/internal/validation"
)

var hexPattern = regexp.MustCompile(`^0x([a-fA-F0-9]{2})*$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator collects field errors for a request body.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Required validates that a string is not blank.
func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

func (v *Validator) MaxLength(field, value string, maxLen int) bool {
	if len(value) > maxLen {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", maxLen))
		return false
	}
	return true
}

func (v *Validator) Email(field, value string) bool {
	if err := validation.ValidateEmail(value); err != nil {
		v.AddError(field, "must be a valid email address")
		return false
	}
	return true
}

// EthereumAddress accepts an empty value; pair it with Required otherwise.
func (v *Validator) EthereumAddress(field, value string) bool {
	if value == "" {
		return true
	}
	if !validation.EthereumAddressPattern.MatchString(value) {
		v.AddError(field, "must be a valid Ethereum address")
		return false
	}
	return true
}

// HexString validates 0x-prefixed, even-length hex. Empty is accepted.
func (v *Validator) HexString(field, value string) bool {
	if value == "" {
		return true
	}
	if !hexPattern.MatchString(value) {
		v.AddError(field, "must be a 0x-prefixed hex string")
		return false
	}
	return true
}

// WriteValidationError writes validation errors as JSON response
func WriteValidationError(w http.ResponseWriter, errs ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  errs.Error(),
		"code":   "bad_request",
		"errors": errs,
	})
}

// ValidateJSON decodes a JSON request body into v, rejecting unknown
// fields and trailing data.
func ValidateJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if decoder.More() {
		return errors.New("invalid JSON: unexpected data after object")
	}
	return nil
}
