package types

import "time"

// Submission modes for the client
const (
	SubmitModeRelay   = "relay"
	SubmitModeBundler = "bundler"
)

// OperationStatus values recorded by the relay
const (
	OperationStatusSubmitted = "submitted"
	OperationStatusFailed    = "failed"
)

// CredentialPayload is the public part of a passkey: a base64url credential
// id and the 64-byte X‖Y public key as 0x-hex.
type CredentialPayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
}

// CredentialRequest registers a passkey with the relay.
type CredentialRequest struct {
	Email          string            `json:"email"`
	Credential     CredentialPayload `json:"credential"`
	AccountAddress string            `json:"accountAddress"`
}

// CredentialResponse is a stored credential.
type CredentialResponse struct {
	Email          string            `json:"email"`
	Credential     CredentialPayload `json:"credential"`
	AccountAddress string            `json:"accountAddress"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// GasEstimateResponse carries the relay's default gas limits as decimal
// strings.
type GasEstimateResponse struct {
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
}

// SendTransactionResponse is returned once handleOps has been broadcast.
type SendTransactionResponse struct {
	TxHash     string `json:"txHash"`
	UserOpHash string `json:"userOpHash,omitempty"`
}

// OperationResponse is the relay's record of a relayed operation.
type OperationResponse struct {
	UserOpHash   string    `json:"userOpHash"`
	Sender       string    `json:"sender"`
	Nonce        string    `json:"nonce"`
	ChainID      int64     `json:"chainId"`
	TxHash       string    `json:"txHash,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ErrorResponse is the body of every relay error. Error is the human-readable
// message clients show verbatim.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse reports relay liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	ChainID int64  `json:"chainId"`
}
