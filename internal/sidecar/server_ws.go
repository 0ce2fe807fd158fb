package sidecar

import (
	"context"
	"encoding/json"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsHTTPServer accepts raw TCP connections and upgrades them in place with
// gobwas/ws's zero-copy upgrader, the same library the teacher uses for its
// inbound WS endpoint (handlers_ws.go), here without the http.Server
// indirection since the sidecar WS endpoint serves nothing but subscription
// frames.
type wsHTTPServer struct {
	server *Server
	ctx    context.Context
}

func (h *wsHTTPServer) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return nil
			default:
				continue
			}
		}
		go h.handleConn(conn)
	}
}

func (h *wsHTTPServer) handleConn(conn net.Conn) {
	if _, err := ws.Upgrade(conn); err != nil {
		conn.Close()
		return
	}

	client := &wsClient{conn: conn}
	h.readPump(client)
}

// readPump mirrors the teacher's pump_read.go shape: a loop over
// wsutil.ReadClientData, dispatching by opcode, with disconnection cleanup
// deferred regardless of which branch exits the loop.
func (h *wsHTTPServer) readPump(client *wsClient) {
	defer func() {
		client.mu.Lock()
		client.closed = true
		client.mu.Unlock()
		h.server.disconnectClient(client)
		client.conn.Close()
	}()

	for {
		data, op, err := wsutil.ReadClientData(client.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			var frame SubscriptionFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "subscribe":
				h.server.onClientSubscribe(h.ctx, client, frame)
			case "unsubscribe":
				h.server.onClientUnsubscribe(h.ctx, client, frame)
			}
		case ws.OpClose:
			return
		}
	}
}
