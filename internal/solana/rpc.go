package solana

import (
	"context"
	"fmt"
	"net/http"

	"vault-state-engine/internal/domain"
)

// AccountReader reads raw account data at a given commitment.
type AccountReader interface {
	// GetAccountData returns the account's data bytes, or nil when the account does not exist.
	GetAccountData(ctx context.Context, pubkey string, commitment domain.Commitment) ([]byte, error)
}

// AccountWatcher pushes account data changes for a single pubkey.
type AccountWatcher interface {
	// Watch calls handler with the account's raw bytes on every change notification.
	// The returned func cancels the watch.
	Watch(ctx context.Context, pubkey string, handler func([]byte)) (func(), error)
}

// JSON-RPC error codes returned by Solana nodes.
const (
	CodeInvalidRequest           = -32600
	CodeMethodNotFound           = -32601
	CodeInvalidParams            = -32602
	CodeInternalError            = -32603
	CodeSimulationFailed         = -32002
	CodeSignatureVerification    = -32003
	CodeBlockNotAvailable        = -32004
	CodeNodeUnhealthy            = -32005
	CodeSlotSkipped              = -32007
	CodeBlockStatusNotAvailable  = -32014
	CodeMinContextSlotNotReached = -32016
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Temporary reports whether the node may answer differently on retry.
func (e *RPCError) Temporary() bool {
	switch e.Code {
	case CodeInternalError, CodeBlockNotAvailable, CodeNodeUnhealthy,
		CodeBlockStatusNotAvailable, CodeMinContextSlotNotReached:
		return true
	}
	return false
}

// RejectionCode names deterministic refusals. Empty for transient codes.
func (e *RPCError) RejectionCode() string {
	if e.Temporary() {
		return ""
	}
	switch e.Code {
	case CodeInvalidParams, CodeInvalidRequest:
		return "invalid_request"
	case CodeMethodNotFound:
		return "method_not_found"
	case CodeSimulationFailed:
		return "simulation_failed"
	case CodeSignatureVerification:
		return "unauthorized"
	case CodeSlotSkipped:
		return "slot_skipped"
	}
	return fmt.Sprintf("rpc_%d", e.Code)
}

// TransportError is a failure below the JSON-RPC layer.
// StatusCode is 0 when no HTTP response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the request is worth repeating: throttling,
// server-side failures and dropped connections.
func (e *TransportError) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// RejectionCode flags non-retryable client errors such as 401 or 404.
func (e *TransportError) RejectionCode() string {
	if e.Temporary() {
		return ""
	}
	return fmt.Sprintf("http_%d", e.StatusCode)
}
