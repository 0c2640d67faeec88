package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/userop"
	"github.com/better-wallet/passkey-account/internal/webauthn"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
	"github.com/better-wallet/passkey-account/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds relay response bodies
	maxResponseSize = 1 << 20
)

// Client talks to the relay backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a relay client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit posts the v0.7 packed wire form to /send-transaction. The relay's
// error message is returned verbatim as a submission error. The request
// carries an Idempotency-Key derived from the body so a retried submission
// of the same signed operation is not relayed twice.
func (c *Client) Submit(ctx context.Context, op *userop.UserOperation, rev userop.Revision, _ common.Address) (common.Hash, error) {
	if rev.Version() != userop.V07 {
		return common.Hash{}, apperrors.Construction(fmt.Sprintf("relay accepts entry point v0.7 operations, got %s", rev.Version()))
	}
	if err := op.Validate(); err != nil {
		return common.Hash{}, err
	}
	packed, err := userop.Pack(op)
	if err != nil {
		return common.Hash{}, err
	}
	body, err := json.Marshal(userop.ToPackedWire(packed))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user operation: %w", err)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", crypto.Keccak256Hash(body).Hex())

	var resp types.SendTransactionResponse
	if err := c.do(ctx, http.MethodPost, "/send-transaction", body, headers, &resp); err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			return common.Hash{}, apperrors.Submission(appErr.Message, appErr)
		}
		return common.Hash{}, apperrors.Submission("", err)
	}

	if !isHash(resp.TxHash) {
		return common.Hash{}, apperrors.Submission(fmt.Sprintf("relay returned malformed transaction hash %q", resp.TxHash), nil)
	}
	txHash := common.HexToHash(resp.TxHash)
	logger.Info(ctx, "user operation relayed", "tx_hash", txHash.Hex())
	return txHash, nil
}

// StoreCredential registers the public credential for email.
func (c *Client) StoreCredential(ctx context.Context, email string, cred *webauthn.Credential, account common.Address) error {
	req := types.CredentialRequest{
		Email:          email,
		Credential:     CredentialPayload(cred),
		AccountAddress: account.Hex(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/credentials", body, nil, nil)
}

// GetCredential fetches the credential stored for email.
func (c *Client) GetCredential(ctx context.Context, email string) (*webauthn.Credential, common.Address, error) {
	var resp types.CredentialResponse
	if err := c.do(ctx, http.MethodGet, "/credentials/"+url.PathEscape(email), nil, nil, &resp); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, common.Address{}, apperrors.CredentialNotFound(email)
		}
		return nil, common.Address{}, err
	}

	cred, err := ParseCredentialPayload(resp.Credential)
	if err != nil {
		return nil, common.Address{}, err
	}
	if !common.IsHexAddress(resp.AccountAddress) {
		return nil, common.Address{}, fmt.Errorf("relay returned invalid account address %q", resp.AccountAddress)
	}
	return cred, common.HexToAddress(resp.AccountAddress), nil
}

// EstimateGas returns the relay's default gas limits.
func (c *Client) EstimateGas(ctx context.Context) (*types.GasEstimateResponse, error) {
	var resp types.GasEstimateResponse
	if err := c.do(ctx, http.MethodPost, "/estimate-gas", []byte("{}"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Operation returns the relay's record for a user operation hash.
func (c *Client) Operation(ctx context.Context, userOpHash common.Hash) (*types.OperationResponse, error) {
	var resp types.OperationResponse
	if err := c.do(ctx, http.MethodGet, "/operations/"+userOpHash.Hex(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logger.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}

// decodeError turns an error response into an AppError whose message is the
// relay's own.
func decodeError(status int, data []byte) *apperrors.AppError {
	var body types.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		body = types.ErrorResponse{Error: msg}
	}
	code := body.Code
	if code == "" {
		code = apperrors.ErrCodeInternalError
		if status == http.StatusNotFound {
			code = apperrors.ErrCodeNotFound
		}
	}
	return apperrors.NewWithDetail(code, body.Error, body.Detail, status)
}

// CredentialPayload renders the public part of cred for the relay.
func CredentialPayload(cred *webauthn.Credential) types.CredentialPayload {
	return types.CredentialPayload{
		ID:        base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey: hexutil.Encode(cred.PublicKey),
	}
}

// ParseCredentialPayload is the inverse of CredentialPayload. The public key
// is checked to be on P-256.
func ParseCredentialPayload(p types.CredentialPayload) (*webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(p.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid credential id: %w", err)
	}
	pub, err := hexutil.Decode(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credential public key: %w", err)
	}
	cred := &webauthn.Credential{ID: id, PublicKey: pub}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
