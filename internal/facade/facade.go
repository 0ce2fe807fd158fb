// Package facade implements the Facade / Public API (spec.md §4.7): the
// stable surface workers call, hiding whether reads/writes go through a
// direct Pool, a single rate-limited endpoint (pooling disabled), or a
// Sidecar Client. Operation naming and the read/write pool split follow
// spec.md directly; there is no teacher analog for a facade this shaped, so
// its method set is grounded entirely in spec.md §4.7/§6 rather than in one
// teacher file — its *implementation* style (structured logging per
// operation, typed errors, context-first signatures) follows every other
// RAL package's adaptation of the teacher's conventions.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/dex"
	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/errs"
	"github.com/odinlabs/solana-ral/internal/eventbus"
	"github.com/odinlabs/solana-ral/internal/health"
	"github.com/odinlabs/solana-ral/internal/pool"
	"github.com/odinlabs/solana-ral/internal/rpctransport"
	"github.com/odinlabs/solana-ral/internal/sidecar"
	"github.com/odinlabs/solana-ral/internal/wsupervisor"
)

// Commitment mirrors config.Commitment without importing config, to keep
// facade dependency-light for callers that only need the enum.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// HealthStatus is the health-status operation's result (spec.md §4.7).
type HealthStatus struct {
	Endpoints   []endpoint.Snapshot `json:"endpoints"`
	CPUPercent  float64             `json:"cpuPercent"`
	MemoryBytes uint64              `json:"memoryBytes"`
	Goroutines  int                 `json:"goroutines"`
	Timestamp   time.Time           `json:"timestamp"`
}

// poolBackend routes through a Connection Pool's executeWithRetry. Each of
// poolBackend/singleBackend/sidecarBackend below implements the same
// (ctx, poolType, method, params) -> (json.RawMessage, error) shape, wrapped
// by the query/write split in queryWriteBackend.
type poolBackend struct {
	p         *pool.Pool
	transport rpctransport.Transport
}

func (b poolBackend) call(ctx context.Context, poolType endpoint.PoolType, method string, params any) (json.RawMessage, error) {
	return pool.ExecuteWithRetry(ctx, b.p, poolType, func(ctx context.Context, ep *endpoint.Endpoint) (json.RawMessage, error) {
		return b.transport.Call(ctx, ep.Config.URL, method, params)
	}, pool.RetryOptions{})
}

// singleBackend applies only the rate limiter, no failover or health
// checking (spec.md §4.7: "When pooling is disabled...").
type singleBackend struct {
	ep        *endpoint.Endpoint
	transport rpctransport.Transport
}

func (b singleBackend) call(ctx context.Context, _ endpoint.PoolType, method string, params any) (json.RawMessage, error) {
	if err := b.ep.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	b.ep.BeginRequest()
	start := time.Now()
	result, err := b.transport.Call(ctx, b.ep.Config.URL, method, params)
	if err != nil {
		b.ep.EndFailure(err.Error())
		return nil, err
	}
	b.ep.EndSuccess(time.Since(start))
	return result, nil
}

// sidecarBackend relays every call through a Sidecar Client (spec.md §4.4).
type sidecarBackend struct {
	client *sidecar.Client
}

func (b sidecarBackend) call(ctx context.Context, _ endpoint.PoolType, method string, params any) (json.RawMessage, error) {
	return b.client.Call(ctx, method, params)
}

// subscriber abstracts over direct-supervisor and sidecar-client
// subscription paths.
type subscriber interface {
	subscribeAccount(ctx context.Context, pubkey string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error)
	subscribeLogs(ctx context.Context, filter string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error)
	unsubscribe(ctx context.Context, handle string) error
}

type supervisorSubscriber struct {
	sup *wsupervisor.Supervisor
}

func (s supervisorSubscriber) subscribeAccount(ctx context.Context, pubkey string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	handle, err := s.sup.Subscribe(ctx, wsupervisor.Filter{
		SubscribeMethod:    "accountSubscribe",
		UnsubscribeMethod:  "accountUnsubscribe",
		NotificationMethod: "accountNotification",
		Params:             []any{pubkey, map[string]string{"commitment": string(commitment)}},
	}, onUpdate)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", handle), nil
}

func (s supervisorSubscriber) subscribeLogs(ctx context.Context, filter string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	handle, err := s.sup.Subscribe(ctx, wsupervisor.Filter{
		SubscribeMethod:    "logsSubscribe",
		UnsubscribeMethod:  "logsUnsubscribe",
		NotificationMethod: "logsNotification",
		Params:             []any{filter, map[string]string{"commitment": string(commitment)}},
	}, onUpdate)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", handle), nil
}

func (s supervisorSubscriber) unsubscribe(ctx context.Context, handle string) error {
	var h int64
	if _, err := fmt.Sscanf(handle, "%d", &h); err != nil {
		return fmt.Errorf("facade: malformed handle %q", handle)
	}
	return s.sup.Unsubscribe(ctx, h)
}

type sidecarSubscriber struct {
	client *sidecar.Client
}

func (s sidecarSubscriber) subscribeAccount(ctx context.Context, pubkey string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	channel := "account:" + pubkey
	err := s.client.Subscribe(ctx, channel, map[string]string{"commitment": string(commitment)}, onUpdate)
	return channel, err
}

func (s sidecarSubscriber) subscribeLogs(ctx context.Context, filter string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	channel := "logs:" + filter
	err := s.client.Subscribe(ctx, channel, map[string]string{"commitment": string(commitment)}, onUpdate)
	return channel, err
}

func (s sidecarSubscriber) unsubscribe(ctx context.Context, handle string) error {
	return s.client.Unsubscribe(ctx, handle)
}

// Facade is the stable surface workers call (spec.md §4.7).
type Facade struct {
	qwBackend  queryWriteBackend
	subscriber subscriber

	healthMonitor *health.Monitor
	poolForHealth *pool.Pool // nil when pooling disabled or sidecar-routed; health-status falls back to an empty endpoint list

	// recoveryPools/recoveryEndpoint back ForceHealthy/ResetAll (spec.md
	// §4.2 manual recovery), which must reach every pool the facade
	// routes through, not just the one health-status reports from.
	recoveryPools    []*pool.Pool
	recoveryEndpoint *endpoint.Endpoint

	publisher  *eventbus.Publisher
	aggregator *dex.Aggregator

	logger zerolog.Logger
}

// Dependencies bundles everything a Facade needs; exactly one routing mode
// applies depending on which fields are populated (direct pool, single
// endpoint, or sidecar).
type Dependencies struct {
	QueryPool  *pool.Pool
	SubmitPool *pool.Pool

	SingleEndpoint *endpoint.Endpoint // used when pooling is disabled
	Transport      rpctransport.Transport

	Supervisor *wsupervisor.Supervisor // direct-mode WS subscriptions
	Sidecar    *sidecar.Client         // sidecar-mode IPC + WS

	HealthMonitor *health.Monitor
	Publisher     *eventbus.Publisher
	Aggregator    *dex.Aggregator
}

// New builds a Facade. When deps.Sidecar is set, every read/write and
// subscription routes through it. Otherwise deps.QueryPool/SubmitPool route
// reads/writes (pooling enabled), or deps.SingleEndpoint does (pooling
// disabled) — and deps.Supervisor serves subscriptions directly.
func New(deps Dependencies, logger zerolog.Logger) *Facade {
	f := &Facade{
		healthMonitor: deps.HealthMonitor,
		publisher:     deps.Publisher,
		aggregator:    deps.Aggregator,
		logger:        logger.With().Str("component", "facade").Logger(),
	}

	switch {
	case deps.Sidecar != nil:
		f.qwBackend = sidecarQueryBackend{sidecarBackend{deps.Sidecar}}
		f.subscriber = sidecarSubscriber{deps.Sidecar}
	case deps.SingleEndpoint != nil:
		f.qwBackend = singleQueryBackend{singleBackend{deps.SingleEndpoint, deps.Transport}}
		f.recoveryEndpoint = deps.SingleEndpoint
		if deps.Supervisor != nil {
			f.subscriber = supervisorSubscriber{deps.Supervisor}
		}
	default:
		f.qwBackend = poolQueryBackend{queryBackend: poolBackend{deps.QueryPool, deps.Transport}, submitBackend: poolBackend{deps.SubmitPool, deps.Transport}}
		f.poolForHealth = deps.QueryPool
		f.recoveryPools = dedupPools(deps.QueryPool, deps.SubmitPool)
		if deps.Supervisor != nil {
			f.subscriber = supervisorSubscriber{deps.Supervisor}
		}
	}

	return f
}

// queryWriteBackend splits reads (query pool) from writes (submit pool),
// since direct/single/sidecar routing each need a different underlying call.
type queryWriteBackend interface {
	query(ctx context.Context, method string, params any) (json.RawMessage, error)
	write(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type poolQueryBackend struct {
	queryBackend  poolBackend
	submitBackend poolBackend
}

func (b poolQueryBackend) query(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.queryBackend.call(ctx, endpoint.PoolQuery, method, params)
}
func (b poolQueryBackend) write(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.submitBackend.call(ctx, endpoint.PoolSubmit, method, params)
}

type singleQueryBackend struct {
	single singleBackend
}

func (b singleQueryBackend) query(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.single.call(ctx, endpoint.PoolQuery, method, params)
}
func (b singleQueryBackend) write(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.single.call(ctx, endpoint.PoolSubmit, method, params)
}

type sidecarQueryBackend struct {
	sidecar sidecarBackend
}

func (b sidecarQueryBackend) query(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.sidecar.call(ctx, endpoint.PoolQuery, method, params)
}
func (b sidecarQueryBackend) write(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.sidecar.call(ctx, endpoint.PoolSubmit, method, params)
}

func (f *Facade) qw() queryWriteBackend {
	return f.qwBackend
}

// GetAccountInfo fetches one account (spec.md §4.7: "account fetch").
func (f *Facade) GetAccountInfo(ctx context.Context, pubkey string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getAccountInfo", []any{pubkey, map[string]string{"commitment": string(commitment)}})
}

// GetMultipleAccounts fetches several accounts in one call.
func (f *Facade) GetMultipleAccounts(ctx context.Context, pubkeys []string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getMultipleAccounts", []any{pubkeys, map[string]string{"commitment": string(commitment)}})
}

// GetTransaction fetches a confirmed transaction by signature.
func (f *Facade) GetTransaction(ctx context.Context, signature string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getTransaction", []any{signature, map[string]string{"commitment": string(commitment)}})
}

// GetLatestBlockhash fetches the latest blockhash for transaction building.
func (f *Facade) GetLatestBlockhash(ctx context.Context, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": string(commitment)}})
}

// GetBalance fetches a lamport balance.
func (f *Facade) GetBalance(ctx context.Context, pubkey string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getBalance", []any{pubkey, map[string]string{"commitment": string(commitment)}})
}

// GetTokenAccountBalance fetches an SPL token account's balance.
func (f *Facade) GetTokenAccountBalance(ctx context.Context, tokenAccount string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().query(ctx, "getTokenAccountBalance", []any{tokenAccount, map[string]string{"commitment": string(commitment)}})
}

// SendRawTransaction submits a signed transaction. Always uses the submit
// pool (spec.md §4.7).
func (f *Facade) SendRawTransaction(ctx context.Context, txBase64 string, opts map[string]any) (json.RawMessage, error) {
	return f.qw().write(ctx, "sendRawTransaction", []any{txBase64, opts})
}

// ConfirmTransaction issues one confirmTransaction call through the submit
// path and returns its result; it does not poll.
func (f *Facade) ConfirmTransaction(ctx context.Context, signature string, commitment Commitment) (json.RawMessage, error) {
	return f.qw().write(ctx, "confirmTransaction", []any{signature, map[string]string{"commitment": string(commitment)}})
}

// SubscribeAccount opens an account-change subscription and returns a
// stable handle string for later Unsubscribe.
func (f *Facade) SubscribeAccount(ctx context.Context, pubkey string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	if f.subscriber == nil {
		return "", fmt.Errorf("facade: subscriptions unavailable in this routing mode")
	}
	return f.subscriber.subscribeAccount(ctx, pubkey, commitment, onUpdate)
}

// SubscribeLogs opens a logs subscription for the given filter descriptor.
func (f *Facade) SubscribeLogs(ctx context.Context, filter string, commitment Commitment, onUpdate func(json.RawMessage)) (string, error) {
	if f.subscriber == nil {
		return "", fmt.Errorf("facade: subscriptions unavailable in this routing mode")
	}
	return f.subscriber.subscribeLogs(ctx, filter, commitment, onUpdate)
}

// Unsubscribe tears down a subscription previously returned by
// SubscribeAccount/SubscribeLogs.
func (f *Facade) Unsubscribe(ctx context.Context, handle string) error {
	if f.subscriber == nil {
		return fmt.Errorf("facade: subscriptions unavailable in this routing mode")
	}
	return f.subscriber.unsubscribe(ctx, handle)
}

// dedupPools returns the non-nil, distinct pools among those given, so a
// facade configured with the same pool for both query and submit doesn't
// apply a recovery operation to it twice.
func dedupPools(pools ...*pool.Pool) []*pool.Pool {
	out := make([]*pool.Pool, 0, len(pools))
	for _, p := range pools {
		if p == nil {
			continue
		}
		seen := false
		for _, existing := range out {
			if existing == p {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, p)
		}
	}
	return out
}

// ForceHealthy implements spec.md §4.2's manual-recovery operation, applied
// across every pool/endpoint the facade routes through. Exposed over IPC as
// forceHealthy (spec.md §6).
func (f *Facade) ForceHealthy(url string) error {
	if len(f.recoveryPools) == 0 && f.recoveryEndpoint == nil {
		return fmt.Errorf("facade: no pooled or single endpoint backend to force healthy")
	}
	for _, p := range f.recoveryPools {
		p.ForceHealthy(url)
	}
	if f.recoveryEndpoint != nil && f.recoveryEndpoint.Config.URL == url {
		f.recoveryEndpoint.ForceHealthy()
	}
	return nil
}

// ResetAll forces every endpoint the facade routes through healthy. Exposed
// over IPC as resetAll (spec.md §6).
func (f *Facade) ResetAll() error {
	if len(f.recoveryPools) == 0 && f.recoveryEndpoint == nil {
		return fmt.Errorf("facade: no pooled or single endpoint backend to reset")
	}
	for _, p := range f.recoveryPools {
		p.ResetAll()
	}
	if f.recoveryEndpoint != nil {
		f.recoveryEndpoint.ForceHealthy()
	}
	return nil
}

// HealthStatus reports endpoint health (when routed through a pool) plus
// process resource usage (spec.md §4.7).
func (f *Facade) HealthStatus() HealthStatus {
	status := HealthStatus{Timestamp: time.Now()}
	if f.poolForHealth != nil {
		status.Endpoints = f.poolForHealth.Snapshots()
	}
	if f.healthMonitor != nil {
		snap := f.healthMonitor.Snapshot()
		status.CPUPercent = snap.CPUPercent
		status.MemoryBytes = snap.MemoryBytes
		status.Goroutines = snap.Goroutines
	}
	return status
}

// GetBestQuote delegates to the DEX Aggregator (spec.md §4.5), exposed
// through the facade for convenience; returns errs.ErrNoQuotesAvailable via
// the aggregator if no provider succeeds.
func (f *Facade) GetBestQuote(ctx context.Context, inputMint, outputMint string, amount string) (*dex.Quote, error) {
	if f.aggregator == nil {
		return nil, fmt.Errorf("facade: DEX aggregation not configured")
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("facade: invalid amount %q", amount)
	}
	return f.aggregator.GetBestQuote(ctx, inputMint, outputMint, amt)
}

// ExecuteSwap delegates to the DEX Aggregator's executeSwap.
func (f *Facade) ExecuteSwap(ctx context.Context, quote *dex.Quote, maxSlippageBps int, opts dex.SwapOptions) dex.SwapResult {
	if f.aggregator == nil {
		return dex.SwapResult{Provider: quote.Provider, Success: false, Err: "DEX aggregation not configured"}
	}
	return f.aggregator.ExecuteSwap(ctx, quote, maxSlippageBps, opts)
}

// Close releases every owned resource. Safe to call once.
func (f *Facade) Close() error {
	if f.healthMonitor != nil {
		f.healthMonitor.Close()
	}
	if f.publisher != nil {
		return f.publisher.Close()
	}
	return nil
}

// ErrClosed re-exports errs.ErrClosed for callers that only import facade.
var ErrClosed = errs.ErrClosed
