// Package wsupervisor implements the WebSocket Supervisor (spec.md §4.3):
// one live socket per websocket endpoint, a subscription registry that
// survives reconnects, and bounded exponential-backoff-with-jitter
// reconnection. The read/write loop shape is grounded on the teacher's
// pump_read.go/pump_write.go (adred-codev-ws_poc/ws/internal/shared), which
// use gobwas/ws + wsutil for framing; here the supervisor is the client side
// of that same library talking to an upstream RPC node instead of the
// server side talking to a browser.
package wsupervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/errs"
	"github.com/odinlabs/solana-ral/internal/metrics"
)

// State is the supervisor's connection state machine (spec.md §4.3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy configures backoff (spec.md §4.3 defaults).
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
	return p
}

// delay computes the attempt-n backoff: min(base*2^n, max) + uniform(0, jitter).
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * float64(uint64(1)<<uint(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := time.Duration(0)
	if p.Jitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return time.Duration(backoff) + jitter
}

// Notification is a supervisor lifecycle event (spec.md §9: "explicit
// notification channel... back-pressure policy: drop-oldest").
type Notification struct {
	Type     string // "disconnected" | "reconnecting" | "reconnected" | "wsReconnectFailed"
	Attempt  int
	Delay    time.Duration
	Attempts int
}

// Filter describes a subscription's upstream request: the JSON-RPC method to
// subscribe, its params, and the notification method upstream uses to push
// events for it (e.g. "accountSubscribe" / "accountNotification").
type Filter struct {
	SubscribeMethod     string
	UnsubscribeMethod   string
	NotificationMethod  string
	Params              any
	Commitment          string
}

// Callback is invoked, in upstream order, for every notification belonging
// to one subscription.
type Callback func(data json.RawMessage)

type subscription struct {
	handle     int64
	filter     Filter
	callback   Callback
	upstreamID int64
	active     bool
}

// Supervisor owns exactly one live socket for one websocket endpoint.
type Supervisor struct {
	url     string
	policy  ReconnectPolicy
	logger  zerolog.Logger
	metrics *metrics.Registry

	// dialFunc opens the upstream socket. Defaults to the package-level dial
	// (real gobwas/ws dial); tests override it to exercise reconnect without
	// a real upstream server.
	dialFunc func(ctx context.Context, url string) (*wsConn, error)

	healthProbeInterval time.Duration

	mu           sync.Mutex
	conn         *wsConn
	state        State
	subs         map[int64]*subscription  // by external handle
	byUpstream   map[int64]*subscription  // by upstream id, rebuilt on reconnect
	nextHandle   int64
	nextReqID    int64
	pending      map[int64]chan rpcFrame // keyed by request id, for subscribe/unsubscribe/health-probe round trips

	notifications chan Notification

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type wsConn struct {
	raw interface{ Close() error }
}

// Config configures a new Supervisor.
type Config struct {
	URL                 string
	Reconnect           ReconnectPolicy
	HealthProbeInterval time.Duration
	NotificationBuffer  int
}

// New constructs a Supervisor in the Disconnected state. Call Connect to
// establish the initial socket.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	buf := cfg.NotificationBuffer
	if buf == 0 {
		buf = 64
	}
	probe := cfg.HealthProbeInterval
	if probe == 0 {
		probe = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		url:                 cfg.URL,
		policy:              cfg.Reconnect.withDefaults(),
		logger:              logger.With().Str("component", "wsupervisor").Str("url", cfg.URL).Logger(),
		dialFunc:            dial,
		healthProbeInterval: probe,
		state:               StateDisconnected,
		subs:                make(map[int64]*subscription),
		byUpstream:          make(map[int64]*subscription),
		pending:             make(map[int64]chan rpcFrame),
		notifications:       make(chan Notification, buf),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// SetMetrics wires a Prometheus registry into the supervisor's internal
// instrumentation. Optional; nil disables recording.
func (s *Supervisor) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Notifications returns the channel lifecycle events are published to.
// Drop-oldest back-pressure: if the consumer falls behind, the supervisor's
// internal publish helper drops the oldest buffered notification rather than
// blocking the supervisor.
func (s *Supervisor) Notifications() <-chan Notification {
	return s.notifications
}

func (s *Supervisor) publish(n Notification) {
	select {
	case s.notifications <- n:
	default:
		select {
		case <-s.notifications:
		default:
		}
		select {
		case s.notifications <- n:
		default:
		}
	}
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type rpcFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErr         `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Connect dials the upstream websocket and starts the read/health-probe
// loops. Safe to call once; subsequent loss is handled internally by the
// reconnect loop.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialFunc(ctx, s.url)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("wsupervisor: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.healthProbeLoop()

	return nil
}

// Subscribe registers a new subscription and sends the upstream subscribe
// frame over the live socket (spec.md §4.3: "Subscribe").
func (s *Supervisor) Subscribe(ctx context.Context, filter Filter, cb Callback) (int64, error) {
	s.mu.Lock()
	if s.state == StateFailed {
		s.mu.Unlock()
		return 0, errs.ErrWsDisconnected
	}
	handle := s.nextHandle
	s.nextHandle++
	sub := &subscription{handle: handle, filter: filter, callback: cb}
	s.subs[handle] = sub
	conn := s.conn
	s.mu.Unlock()

	upstreamID, err := s.sendSubscribe(ctx, conn, filter)
	if err != nil {
		s.mu.Lock()
		delete(s.subs, handle)
		s.mu.Unlock()
		return 0, fmt.Errorf("wsupervisor: subscribe: %w", err)
	}

	s.mu.Lock()
	sub.upstreamID = upstreamID
	sub.active = true
	s.byUpstream[upstreamID] = sub
	s.mu.Unlock()

	return handle, nil
}

// Unsubscribe tears down a subscription: sends the upstream unsubscribe
// frame, removes the entry, and stops dispatch regardless of in-flight
// frames (spec.md §4.3: "Cancellation").
func (s *Supervisor) Unsubscribe(ctx context.Context, handle int64) error {
	s.mu.Lock()
	sub, ok := s.subs[handle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("wsupervisor: unknown handle %d", handle)
	}
	sub.active = false
	delete(s.subs, handle)
	delete(s.byUpstream, sub.upstreamID)
	conn := s.conn
	upstreamID := sub.upstreamID
	unsubMethod := sub.filter.UnsubscribeMethod
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	_, err := s.roundTrip(ctx, conn, unsubMethod, []any{upstreamID})
	return err
}

func (s *Supervisor) sendSubscribe(ctx context.Context, conn *wsConn, filter Filter) (int64, error) {
	result, err := s.roundTrip(ctx, conn, filter.SubscribeMethod, filter.Params)
	if err != nil {
		return 0, err
	}
	var upstreamID int64
	if err := json.Unmarshal(result, &upstreamID); err != nil {
		return 0, fmt.Errorf("unexpected subscribe result: %w", err)
	}
	return upstreamID, nil
}

func (s *Supervisor) roundTrip(ctx context.Context, conn *wsConn, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextReqID, 1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := rpcFrame{ID: id, Method: method, Params: paramsJSON}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respCh := make(chan rpcFrame, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := writeFrame(conn, body); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop dispatches inbound frames: responses to pending round trips, and
// notifications to the owning subscription's callback, in upstream order.
func (s *Supervisor) readLoop(conn *wsConn) {
	defer s.wg.Done()

	for {
		data, err := readFrame(conn)
		if err != nil {
			s.handleDisconnect()
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame from upstream")
			continue
		}

		if frame.ID != 0 {
			s.mu.Lock()
			ch, ok := s.pending[frame.ID]
			s.mu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		s.dispatchNotification(frame)
	}
}

func (s *Supervisor) dispatchNotification(frame rpcFrame) {
	var envelope struct {
		Subscription int64           `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(frame.Params, &envelope); err != nil {
		return
	}

	s.mu.Lock()
	sub, ok := s.byUpstream[envelope.Subscription]
	s.mu.Unlock()
	if !ok || !sub.active {
		return
	}
	sub.callback(envelope.Result)
}

// handleDisconnect marks the supervisor disconnected and kicks off the
// reconnect loop (spec.md §4.3: "Connection loss detection").
func (s *Supervisor) handleDisconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.publish(Notification{Type: "disconnected"})
	go s.reconnectLoop()
}

// reconnectLoop implements spec.md §4.3's reconnect policy: bounded
// exponential backoff with jitter, then re-register every live subscription.
func (s *Supervisor) reconnectLoop() {
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		delay := s.policy.delay(attempt)

		s.mu.Lock()
		s.state = StateReconnecting
		s.mu.Unlock()
		s.publish(Notification{Type: "reconnecting", Attempt: attempt + 1, Delay: delay})
		if s.metrics != nil {
			s.metrics.WSReconnects.WithLabelValues(s.url).Inc()
		}

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		conn, err := s.dialFunc(s.ctx, s.url)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()

		// The read loop must run before resubscribing: it is what delivers
		// each subscribe round trip's reply.
		s.wg.Add(1)
		go s.readLoop(conn)

		s.resubscribeAll(conn)

		s.publish(Notification{Type: "reconnected", Attempts: attempt + 1})
		return
	}

	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.publish(Notification{Type: "wsReconnectFailed"})
	if s.metrics != nil {
		s.metrics.WSReconnectFailed.Inc()
	}
	s.logger.Error().Msg("websocket supervisor permanently failed after max reconnect attempts")
}

// resubscribeAll re-registers every live subscription in insertion order,
// remapping upstream ids into the existing handle table so caller-held
// handles remain valid (spec.md §4.3, P4). A single failed re-register is
// logged and the remaining continue.
func (s *Supervisor) resubscribeAll(conn *wsConn) {
	s.mu.Lock()
	handles := make([]int64, 0, len(s.subs))
	for h := range s.subs {
		handles = append(handles, h)
	}
	// Handles are allocated in increasing order, so ascending is insertion order.
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	s.byUpstream = make(map[int64]*subscription)
	s.mu.Unlock()

	for _, h := range handles {
		s.mu.Lock()
		sub, ok := s.subs[h]
		s.mu.Unlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		upstreamID, err := s.sendSubscribe(ctx, conn, sub.filter)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Int64("handle", h).Msg("failed to re-register subscription after reconnect")
			continue
		}

		s.mu.Lock()
		sub.upstreamID = upstreamID
		sub.active = true
		s.byUpstream[upstreamID] = sub
		s.mu.Unlock()
	}
}

// healthProbeLoop issues a periodic getVersion probe to detect silent
// disconnects the transport layer doesn't surface as a read error (spec.md
// §4.3: "a periodic health probe... detects silent disconnects"). Runs
// continuously for the supervisor's lifetime (spec.md §9's resolved open
// question: not a one-shot).
func (s *Supervisor) healthProbeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			state := s.state
			s.mu.Unlock()
			if state != StateConnected || conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_, err := s.roundTrip(ctx, conn, "getVersion", []any{})
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("health probe failed, treating as disconnect")
				conn.raw.Close()
			}
		}
	}
}

// Close shuts the supervisor down: cancels background loops, closes the
// socket, and marks every subscription inactive.
func (s *Supervisor) Close() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	for _, sub := range s.subs {
		sub.active = false
	}
	s.mu.Unlock()
	if conn != nil {
		conn.raw.Close()
	}
	s.wg.Wait()
}

// --- transport plumbing over gobwas/ws ---

func dial(ctx context.Context, url string) (*wsConn, error) {
	rawConn, _, _, err := ws.DefaultDialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &wsConn{raw: rawConn}, nil
}

func writeFrame(conn *wsConn, data []byte) error {
	writer, ok := conn.raw.(wsWriter)
	if !ok {
		return fmt.Errorf("wsupervisor: connection does not support writing")
	}
	return wsutil.WriteClientMessage(writer, ws.StateClientSide, ws.OpText, data)
}

func readFrame(conn *wsConn) ([]byte, error) {
	reader, ok := conn.raw.(wsReader)
	if !ok {
		return nil, fmt.Errorf("wsupervisor: connection does not support reading")
	}
	data, _, err := wsutil.ReadServerData(reader)
	return data, err
}

type wsWriter interface {
	Write(p []byte) (int, error)
}

type wsReader interface {
	Read(p []byte) (int, error)
}
