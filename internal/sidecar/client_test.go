package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinlabs/solana-ral/internal/errs"
)

func newPipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := &Client{
		requestTimeout: time.Second,
		logger:         zerolog.Nop(),
		conn:           clientSide,
		pending:        make(map[string]chan Response),
		callbacks:      make(map[string]func(json.RawMessage)),
	}
	go c.readIPCLoop()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	return c, serverSide
}

func TestClientCallRoundTrip(t *testing.T) {
	c, serverSide := newPipeClient(t)

	go func() {
		scanner := bufio.NewScanner(serverSide)
		require.True(t, scanner.Scan())
		var req Request
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))
		assert.Equal(t, MethodGetHealthStatus, req.Method)

		resp := Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		body, _ := json.Marshal(resp)
		body = append(body, '\n')
		_, _ = serverSide.Write(body)
	}()

	result, err := c.Call(context.Background(), MethodGetHealthStatus, struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestClientCallSurfacesUpstreamError(t *testing.T) {
	c, serverSide := newPipeClient(t)

	go func() {
		scanner := bufio.NewScanner(serverSide)
		require.True(t, scanner.Scan())
		var req Request
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))

		resp := Response{ID: req.ID, Error: "account not found"}
		body, _ := json.Marshal(resp)
		body = append(body, '\n')
		_, _ = serverSide.Write(body)
	}()

	_, err := c.Call(context.Background(), MethodGetAccountInfo, struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account not found")
}

// TestClientCallTimesOutWithoutResponse exercises spec.md scenario 5: a
// request whose response never arrives must time out rather than hang
// forever, and the pending entry must be evicted so a late, stale response
// is discarded instead of misdelivered.
func TestClientCallTimesOutWithoutResponse(t *testing.T) {
	c, serverSide := newPipeClient(t)
	c.requestTimeout = 20 * time.Millisecond

	// Drain the request so the client's conn.Write doesn't block forever on
	// the unbuffered pipe; deliberately never send a response back.
	go func() {
		scanner := bufio.NewScanner(serverSide)
		scanner.Scan()
	}()

	_, err := c.Call(context.Background(), MethodGetHealthStatus, struct{}{})
	var timeoutErr *errs.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	c.mu.Lock()
	pendingCount := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 0, pendingCount, "a timed-out request must be evicted from the pending table")
}

func TestClientPing(t *testing.T) {
	c, serverSide := newPipeClient(t)

	go func() {
		scanner := bufio.NewScanner(serverSide)
		require.True(t, scanner.Scan())
		var req Request
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))
		assert.Equal(t, MethodPing, req.Method)

		result, _ := json.Marshal(PingResult{Pong: true, Timestamp: 1234})
		resp := Response{ID: req.ID, Result: result}
		body, _ := json.Marshal(resp)
		body = append(body, '\n')
		_, _ = serverSide.Write(body)
	}()

	result, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Pong)
	assert.Equal(t, int64(1234), result.Timestamp)
}
