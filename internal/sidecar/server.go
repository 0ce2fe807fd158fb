package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Dispatcher answers one IPC method call. The sidecar is a thin relay: it
// does not know what "getAccountInfo" means, only how to frame it — the
// facade supplies the actual implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// SubscriptionHub is the upstream subscription source the sidecar
// multiplexes client channels onto (spec.md §4.4: "Multiplexing").
type SubscriptionHub interface {
	SubscribeChannel(ctx context.Context, channel string, params json.RawMessage, onEvent func(json.RawMessage)) (int64, error)
	UnsubscribeChannel(ctx context.Context, handle int64) error
}

// Server is the Sidecar Server: an IPC listener over a Unix socket and a WS
// listener for subscription control/event frames, both backed by a shared
// Dispatcher/SubscriptionHub (usually the Facade).
type Server struct {
	dispatcher Dispatcher
	hub        SubscriptionHub
	logger     zerolog.Logger

	socketPath string

	mu        sync.Mutex
	channels  map[string]*sharedChannel
}

// sharedChannel tracks exactly one upstream subscription shared by however
// many local WS clients have subscribed to its name.
type sharedChannel struct {
	upstreamHandle int64
	subscribers    map[*wsClient]struct{}
}

type wsClient struct {
	conn   net.Conn
	mu     sync.Mutex // guards writes; wsutil frame writes are not concurrency-safe
	closed bool
}

func (c *wsClient) send(frame any) {
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = wsutil.WriteServerMessage(c.conn, ws.OpText, body)
}

// New builds a Server. ServeIPC removes and recreates socketPath when it
// starts listening, and removes it again when it returns (spec.md §6: "the
// sidecar socket file is a runtime artifact, removed on clean shutdown").
func New(dispatcher Dispatcher, hub SubscriptionHub, socketPath string, logger zerolog.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger.With().Str("component", "sidecar-server").Logger(),
		socketPath: socketPath,
		channels:   make(map[string]*sharedChannel),
	}
}

// ServeIPC listens on the Unix socket and serves newline-delimited JSON
// request/response frames until ctx is cancelled.
func (s *Server) ServeIPC(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("sidecar: listen on %s: %w", s.socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn().Err(err).Msg("ipc accept failed")
				continue
			}
		}
		go s.serveIPCConn(ctx, conn)
	}
}

func (s *Server) serveIPCConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		go s.handleIPCRequest(ctx, conn, req)
	}
}

func (s *Server) handleIPCRequest(ctx context.Context, conn net.Conn, req Request) {
	resp := Response{ID: req.ID}

	if req.Method == MethodPing {
		result, _ := json.Marshal(PingResult{Pong: true, Timestamp: time.Now().Unix()})
		resp.Result = result
	} else {
		result, err := s.dispatcher.Dispatch(ctx, req.Method, req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	body = append(body, '\n')
	_, _ = conn.Write(body)
}

// ServeWS listens for websocket connections carrying subscription control
// and event frames, grounded on the teacher's handlers_ws.go upgrade
// sequence and pump_read.go's dispatch-by-opcode loop; each accepted raw TCP
// connection is upgraded in place with ws.Upgrade (server_ws.go).
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sidecar: listen ws on %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	httpConn := &wsHTTPServer{server: s, ctx: ctx}
	return httpConn.serve(ln)
}

func (s *Server) onClientSubscribe(ctx context.Context, client *wsClient, frame SubscriptionFrame) {
	s.mu.Lock()
	ch, ok := s.channels[frame.Channel]
	if !ok {
		ch = &sharedChannel{subscribers: make(map[*wsClient]struct{})}
		s.channels[frame.Channel] = ch
	}
	alreadyShared := ok
	ch.subscribers[client] = struct{}{}
	s.mu.Unlock()

	if alreadyShared {
		client.send(SubscriptionAck{Type: "subscribed", Channel: frame.Channel})
		return
	}

	channelName := frame.Channel
	handle, err := s.hub.SubscribeChannel(ctx, channelName, frame.Params, func(data json.RawMessage) {
		s.fanOut(channelName, data)
	})
	if err != nil {
		s.mu.Lock()
		delete(ch.subscribers, client)
		if len(ch.subscribers) == 0 {
			delete(s.channels, channelName)
		}
		s.mu.Unlock()
		client.send(SubscriptionAck{Type: "error", Channel: frame.Channel, Message: err.Error()})
		return
	}

	s.mu.Lock()
	ch.upstreamHandle = handle
	s.mu.Unlock()

	client.send(SubscriptionAck{Type: "subscribed", Channel: frame.Channel})
}

func (s *Server) onClientUnsubscribe(ctx context.Context, client *wsClient, frame SubscriptionFrame) {
	s.mu.Lock()
	ch, ok := s.channels[frame.Channel]
	if !ok {
		s.mu.Unlock()
		client.send(SubscriptionAck{Type: "unsubscribed", Channel: frame.Channel})
		return
	}
	delete(ch.subscribers, client)
	last := len(ch.subscribers) == 0
	handle := ch.upstreamHandle
	if last {
		delete(s.channels, frame.Channel)
	}
	s.mu.Unlock()

	if last {
		_ = s.hub.UnsubscribeChannel(ctx, handle)
	}
	client.send(SubscriptionAck{Type: "unsubscribed", Channel: frame.Channel})
}

func (s *Server) fanOut(channel string, data json.RawMessage) {
	s.mu.Lock()
	ch, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	clients := make([]*wsClient, 0, len(ch.subscribers))
	for c := range ch.subscribers {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(EventFrame{Type: "event", Channel: channel, Data: data})
	}
}

func (s *Server) disconnectClient(client *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, ch := range s.channels {
		if _, ok := ch.subscribers[client]; !ok {
			continue
		}
		delete(ch.subscribers, client)
		if len(ch.subscribers) == 0 {
			go func(h int64) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.hub.UnsubscribeChannel(ctx, h)
			}(ch.upstreamHandle)
			delete(s.channels, channel)
		}
	}
}
