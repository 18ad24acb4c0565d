package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
)

// DefaultTimeout bounds a single JSON-RPC round trip.
const DefaultTimeout = 30 * time.Second

// HTTPClient implements AccountReader using HTTP JSON-RPC 2.0.
// It performs exactly one request per call; retries belong to the caller.
type HTTPClient struct {
	endpoint  string
	client    *http.Client
	requestID atomic.Uint64
}

var _ AccountReader = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new Solana RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the RPC endpoint URL.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call performs one JSON-RPC round trip. Failures below the JSON-RPC layer
// are returned as *TransportError, node errors as *RPCError.
func (c *HTTPClient) call(ctx context.Context, method string, commitment domain.Commitment, params []interface{}, result interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, commitment.String(), time.Since(start).Seconds())
	}()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", truncate(respBody, 256)),
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return &TransportError{Err: fmt.Errorf("unmarshal response: %w", io.ErrUnexpectedEOF)}
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64
	Owner      string
	Data       []byte
	Executable bool
	RentEpoch  uint64
	Slot       int64
}

type rpcContext struct {
	Slot int64 `json:"slot"`
}

type getAccountInfoResult struct {
	Context rpcContext           `json:"context"`
	Value   *getAccountInfoValue `json:"value"`
}

type getMultipleAccountsResult struct {
	Context rpcContext             `json:"context"`
	Value   []*getAccountInfoValue `json:"value"`
}

type getAccountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

func (v *getAccountInfoValue) toAccountInfo(slot int64) (*AccountInfo, error) {
	data, err := decodeAccountData(v.Data)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Lamports:   v.Lamports,
		Owner:      v.Owner,
		Data:       data,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
		Slot:       slot,
	}, nil
}

func accountConfig(commitment domain.Commitment) map[string]interface{} {
	return map[string]interface{}{
		"encoding":   "base64",
		"commitment": commitment.RPC(),
	}
}

// GetAccountInfo retrieves account info by public key at the given commitment.
// Returns nil if account not found.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string, commitment domain.Commitment) (*AccountInfo, error) {
	params := []interface{}{pubkey, accountConfig(commitment)}

	var result getAccountInfoResult
	if err := c.call(ctx, "getAccountInfo", commitment, params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, nil
	}
	return result.Value.toAccountInfo(result.Context.Slot)
}

// GetAccountData returns only the account's data bytes.
func (c *HTTPClient) GetAccountData(ctx context.Context, pubkey string, commitment domain.Commitment) ([]byte, error) {
	info, err := c.GetAccountInfo(ctx, pubkey, commitment)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return info.Data, nil
}

// GetMultipleAccounts retrieves several accounts in one request. Missing
// accounts are nil in the result, which is index-aligned with pubkeys.
func (c *HTTPClient) GetMultipleAccounts(ctx context.Context, pubkeys []string, commitment domain.Commitment) ([]*AccountInfo, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	params := []interface{}{pubkeys, accountConfig(commitment)}

	var result getMultipleAccountsResult
	if err := c.call(ctx, "getMultipleAccounts", commitment, params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != len(pubkeys) {
		return nil, fmt.Errorf("getMultipleAccounts: expected %d values, got %d", len(pubkeys), len(result.Value))
	}

	out := make([]*AccountInfo, len(pubkeys))
	for i, v := range result.Value {
		if v == nil {
			continue
		}
		info, err := v.toAccountInfo(result.Context.Slot)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", pubkeys[i], err)
		}
		out[i] = info
	}
	return out, nil
}

// GetSlot retrieves the current slot at the given commitment.
func (c *HTTPClient) GetSlot(ctx context.Context, commitment domain.Commitment) (int64, error) {
	params := []interface{}{map[string]interface{}{"commitment": commitment.RPC()}}

	var result int64
	if err := c.call(ctx, "getSlot", commitment, params, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// SendTransaction submits an already signed, base64 encoded transaction and
// returns its signature. Resending the same transaction yields the same
// signature, so callers may retry it.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx string) (string, error) {
	params := []interface{}{
		tx,
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": domain.CommitmentOptimistic.RPC(),
		},
	}

	var sig string
	if err := c.call(ctx, "sendTransaction", domain.CommitmentOptimistic, params, &sig); err != nil {
		return "", err
	}
	if sig == "" {
		return "", fmt.Errorf("sendTransaction: empty signature")
	}
	return sig, nil
}

// decodeAccountData decodes the [data, encoding] pair returned for base64 encoding.
func decodeAccountData(pair []string) ([]byte, error) {
	if len(pair) == 0 {
		return []byte{}, nil
	}
	if len(pair) > 1 && pair[1] != "base64" {
		return nil, fmt.Errorf("unsupported account encoding %q", pair[1])
	}
	data, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
