package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/errs"
)

// DefaultRequestTimeout is the sidecar client's per-request deadline
// (spec.md §4.4: "default 10 s").
const DefaultRequestTimeout = 10 * time.Second

// Client is the Sidecar Client: a drop-in replacement for a direct pool
// handle that talks to a Sidecar Server over IPC + WS (spec.md §4.4).
type Client struct {
	socketPath     string
	wsURL          string
	requestTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	nextID  int64
	pending map[string]chan Response // removed by the reader on a matched response, or by Call on write failure or timeout

	wsConn      net.Conn
	subMu       sync.Mutex
	callbacks   map[string]func(json.RawMessage)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	SocketPath     string
	WSURL          string
	RequestTimeout time.Duration
}

// Dial connects the IPC socket. The WS side connects lazily on first
// Subscribe.
func Dial(ctx context.Context, cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("sidecar: dial %s: %w", cfg.SocketPath, err)
	}

	c := &Client{
		socketPath:     cfg.SocketPath,
		wsURL:          cfg.WSURL,
		requestTimeout: timeout,
		logger:         logger.With().Str("component", "sidecar-client").Logger(),
		conn:           conn,
		pending:        make(map[string]chan Response),
		callbacks:      make(map[string]func(json.RawMessage)),
	}
	go c.readIPCLoop()
	return c, nil
}

func (c *Client) readIPCLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			// Buffered channel of size 1: a timed-out caller may have already
			// stopped listening, so send best-effort.
			select {
			case ch <- resp:
			default:
			}
		}
		// Unknown id (arrived after its own timeout fired and was evicted):
		// discarded silently, as spec.md's scenario 5 requires.
	}
}

// Call issues one IPC request and waits for its matched response or the
// client's request timeout, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)
	req := Request{ID: id, Method: method, Params: paramsJSON}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body = append(body, '\n')

	respCh := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(body); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sidecar: write request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Result, nil
	case <-timeoutCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &errs.TimeoutError{Op: method, Timeout: c.requestTimeout.String()}
	}
}

// Ping round-trips MethodPing.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	raw, err := c.Call(ctx, MethodPing, struct{}{})
	if err != nil {
		return PingResult{}, err
	}
	var result PingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return PingResult{}, err
	}
	return result, nil
}

// connectWS lazily dials the sidecar's WS endpoint on first subscription.
func (c *Client) connectWS(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.wsConn != nil {
		return nil
	}

	rawConn, _, _, err := ws.DefaultDialer.Dial(ctx, c.wsURL)
	if err != nil {
		return fmt.Errorf("sidecar: dial ws %s: %w", c.wsURL, err)
	}
	c.wsConn = rawConn
	go c.readWSLoop(rawConn)
	return nil
}

func (c *Client) readWSLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.subMu.Lock()
			c.wsConn = nil
			c.subMu.Unlock()
			return
		}

		var frame EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "event" {
			continue
		}

		c.subMu.Lock()
		cb, ok := c.callbacks[frame.Channel]
		c.subMu.Unlock()
		if ok {
			cb(frame.Data)
		}
	}
}

// Subscribe opens (or joins) a channel subscription, invoking cb for every
// event frame the sidecar fans out on that channel.
func (c *Client) Subscribe(ctx context.Context, channel string, params any, cb func(json.RawMessage)) error {
	if err := c.connectWS(ctx); err != nil {
		return err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	c.callbacks[channel] = cb
	conn := c.wsConn
	c.subMu.Unlock()

	body, err := json.Marshal(SubscriptionFrame{Type: "subscribe", Channel: channel, Params: paramsJSON})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.StateClientSide, ws.OpText, body)
}

// Unsubscribe leaves a channel subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.subMu.Lock()
	delete(c.callbacks, channel)
	conn := c.wsConn
	c.subMu.Unlock()

	if conn == nil {
		return nil
	}

	body, err := json.Marshal(SubscriptionFrame{Type: "unsubscribe", Channel: channel})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.StateClientSide, ws.OpText, body)
}

// Close tears down both the IPC and WS connections.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.subMu.Lock()
	wsConn := c.wsConn
	c.subMu.Unlock()
	if wsConn != nil {
		wsConn.Close()
	}
	return nil
}
