// Package rpctransport is the thin JSON-RPC-over-HTTP transport the
// Connection Pool dials through. No third-party HTTP client library appears
// anywhere in the retrieval pack (gobwas/ws is websocket-only transport);
// net/http is the idiomatic, justified choice here — see DESIGN.md.
package rpctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport issues a single JSON-RPC call against a base URL.
type Transport interface {
	Call(ctx context.Context, url, method string, params any) (json.RawMessage, error)
}

// HTTPTransport is the default Transport, a plain JSON-RPC 2.0 client.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport with the given per-call timeout
// used as a safety net on top of the pool's own deadline handling.
func NewHTTPTransport(dialTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: dialTimeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call performs a single JSON-RPC 2.0 request and returns the raw result.
func (t *HTTPTransport) Call(ctx context.Context, url, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rpctransport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpctransport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rpctransport: rate limited (429): %s", string(raw))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("rpctransport: upstream %d: %s", resp.StatusCode, string(raw))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("rpctransport: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s", rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}
