package facade

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinlabs/solana-ral/internal/dex"
	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/pool"
	"github.com/odinlabs/solana-ral/internal/ratelimit"
)

type fakeRPCTransport struct {
	result json.RawMessage
	err    error
	method string
}

func (f *fakeRPCTransport) Call(ctx context.Context, url, method string, params any) (json.RawMessage, error) {
	f.method = method
	return f.result, f.err
}

func testPoolEndpointCfgs(urls ...string) []endpoint.Config {
	cfgs := make([]endpoint.Config, 0, len(urls))
	for i, u := range urls {
		cfgs = append(cfgs, endpoint.NewConfig(u, i, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{MaxRequests: 1000, Window: time.Second}))
	}
	return cfgs
}

func TestFacadePoolModeRoutesReadsThroughQueryPool(t *testing.T) {
	transport := &fakeRPCTransport{result: json.RawMessage(`{"lamports":1000}`)}
	p := pool.New(testPoolEndpointCfgs("https://a.example"), pool.Config{}, transport, zerolog.Nop())
	p.Start()
	defer p.Shutdown()

	fac := New(Dependencies{QueryPool: p, SubmitPool: p, Transport: transport}, zerolog.Nop())

	result, err := fac.GetBalance(context.Background(), "pubkey123", CommitmentConfirmed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lamports":1000}`, string(result))
	assert.Equal(t, "getBalance", transport.method)
}

func TestFacadeSingleEndpointModeAppliesRateLimiterOnly(t *testing.T) {
	transport := &fakeRPCTransport{result: json.RawMessage(`"blockhash"`)}
	cfg := endpoint.NewConfig("https://a.example", 0, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{MaxRequests: 1000, Window: time.Second})
	ep := endpoint.New(cfg, 3, 2)

	fac := New(Dependencies{SingleEndpoint: ep, Transport: transport}, zerolog.Nop())

	result, err := fac.GetLatestBlockhash(context.Background(), CommitmentFinalized)
	require.NoError(t, err)
	assert.JSONEq(t, `"blockhash"`, string(result))
}

func TestFacadeSendRawTransactionUsesSubmitPool(t *testing.T) {
	queryTransport := &fakeRPCTransport{result: json.RawMessage(`"query"`)}
	submitTransport := &fakeRPCTransport{result: json.RawMessage(`"sig123"`)}
	queryPool := pool.New(testPoolEndpointCfgs("https://query.example"), pool.Config{}, queryTransport, zerolog.Nop())
	submitPool := pool.New(testPoolEndpointCfgs("https://submit.example"), pool.Config{}, submitTransport, zerolog.Nop())
	queryPool.Start()
	submitPool.Start()
	defer queryPool.Shutdown()
	defer submitPool.Shutdown()

	fac := New(Dependencies{QueryPool: queryPool, SubmitPool: submitPool, Transport: submitTransport}, zerolog.Nop())

	result, err := fac.SendRawTransaction(context.Background(), "base64tx", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"sig123"`, string(result))
	assert.Equal(t, "sendRawTransaction", submitTransport.method)
}

func TestFacadeSubscriptionsUnavailableWithoutSupervisorOrSidecar(t *testing.T) {
	transport := &fakeRPCTransport{}
	p := pool.New(testPoolEndpointCfgs("https://a.example"), pool.Config{}, transport, zerolog.Nop())
	p.Start()
	defer p.Shutdown()

	fac := New(Dependencies{QueryPool: p, SubmitPool: p, Transport: transport}, zerolog.Nop())

	_, err := fac.SubscribeAccount(context.Background(), "pubkey", CommitmentConfirmed, func(json.RawMessage) {})
	assert.Error(t, err)

	err = fac.Unsubscribe(context.Background(), "1")
	assert.Error(t, err)
}

func TestFacadeHealthStatusReportsPoolSnapshotsWhenPooled(t *testing.T) {
	transport := &fakeRPCTransport{}
	p := pool.New(testPoolEndpointCfgs("https://a.example", "https://b.example"), pool.Config{}, transport, zerolog.Nop())
	p.Start()
	defer p.Shutdown()

	fac := New(Dependencies{QueryPool: p, SubmitPool: p, Transport: transport}, zerolog.Nop())

	status := fac.HealthStatus()
	assert.Len(t, status.Endpoints, 2)
	assert.False(t, status.Timestamp.IsZero())
}

func TestFacadeHealthStatusEmptyEndpointsInSingleEndpointMode(t *testing.T) {
	transport := &fakeRPCTransport{}
	cfg := endpoint.NewConfig("https://a.example", 0, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{})
	ep := endpoint.New(cfg, 3, 2)
	fac := New(Dependencies{SingleEndpoint: ep, Transport: transport}, zerolog.Nop())

	status := fac.HealthStatus()
	assert.Empty(t, status.Endpoints)
}

type fakeDexProvider struct {
	name      string
	outAmount *big.Int
}

func (f *fakeDexProvider) Name() string { return f.name }
func (f *fakeDexProvider) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*dex.Quote, error) {
	return &dex.Quote{Provider: f.name, OutputAmount: f.outAmount}, nil
}
func (f *fakeDexProvider) Swap(ctx context.Context, quote *dex.Quote, maxSlippageBps int, opts dex.SwapOptions) dex.SwapResult {
	return dex.SwapResult{Provider: f.name, Success: true, Signature: "sig-" + f.name}
}

func TestFacadeGetBestQuoteDelegatesToAggregator(t *testing.T) {
	registry := dex.NewRegistry(&fakeDexProvider{name: "jupiter", outAmount: big.NewInt(500)})
	agg := dex.NewAggregator(registry, nil, zerolog.Nop())
	fac := New(Dependencies{Aggregator: agg}, zerolog.Nop())

	quote, err := fac.GetBestQuote(context.Background(), "SOL", "USDC", "1000")
	require.NoError(t, err)
	assert.Equal(t, "jupiter", quote.Provider)
}

func TestFacadeGetBestQuoteRejectsMalformedAmount(t *testing.T) {
	registry := dex.NewRegistry(&fakeDexProvider{name: "jupiter", outAmount: big.NewInt(500)})
	agg := dex.NewAggregator(registry, nil, zerolog.Nop())
	fac := New(Dependencies{Aggregator: agg}, zerolog.Nop())

	_, err := fac.GetBestQuote(context.Background(), "SOL", "USDC", "not-a-number")
	assert.Error(t, err)
}

func TestFacadeGetBestQuoteWithoutAggregatorConfigured(t *testing.T) {
	fac := New(Dependencies{}, zerolog.Nop())
	_, err := fac.GetBestQuote(context.Background(), "SOL", "USDC", "1000")
	assert.Error(t, err)
}

func TestFacadeExecuteSwapDelegatesToAggregator(t *testing.T) {
	registry := dex.NewRegistry(&fakeDexProvider{name: "jupiter", outAmount: big.NewInt(500)})
	agg := dex.NewAggregator(registry, nil, zerolog.Nop())
	fac := New(Dependencies{Aggregator: agg}, zerolog.Nop())

	result := fac.ExecuteSwap(context.Background(), &dex.Quote{Provider: "jupiter"}, 50, dex.SwapOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, "sig-jupiter", result.Signature)
}

func TestFacadeCloseIsSafeWithoutOptionalDependencies(t *testing.T) {
	fac := New(Dependencies{}, zerolog.Nop())
	assert.NoError(t, fac.Close())
}

func TestFacadeForceHealthyAppliesAcrossQueryAndSubmitPools(t *testing.T) {
	transport := &fakeRPCTransport{}
	queryPool := pool.New(testPoolEndpointCfgs("https://a.example"), pool.Config{UnhealthyThreshold: 1, HealthyThreshold: 1}, transport, zerolog.Nop())
	submitPool := pool.New(testPoolEndpointCfgs("https://a.example"), pool.Config{UnhealthyThreshold: 1, HealthyThreshold: 1}, transport, zerolog.Nop())
	queryPool.Start()
	submitPool.Start()
	defer queryPool.Shutdown()
	defer submitPool.Shutdown()

	queryEp, err := queryPool.GetBestConnection(endpoint.PoolQuery)
	require.NoError(t, err)
	queryEp.EndFailure("down")
	submitEp, err := submitPool.GetBestConnection(endpoint.PoolSubmit)
	require.NoError(t, err)
	submitEp.EndFailure("down")
	require.False(t, queryPool.Snapshots()[0].Healthy)
	require.False(t, submitPool.Snapshots()[0].Healthy)

	fac := New(Dependencies{QueryPool: queryPool, SubmitPool: submitPool, Transport: transport}, zerolog.Nop())
	require.NoError(t, fac.ForceHealthy("https://a.example"))

	assert.True(t, queryPool.Snapshots()[0].Healthy)
	assert.True(t, submitPool.Snapshots()[0].Healthy)
}

func TestFacadeResetAllAppliesToSingleEndpoint(t *testing.T) {
	transport := &fakeRPCTransport{}
	cfg := endpoint.NewConfig("https://a.example", 0, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{MaxRequests: 1000, Window: time.Second})
	ep := endpoint.New(cfg, 1, 1)
	ep.EndFailure("down")
	require.False(t, ep.Snapshot().Healthy)

	fac := New(Dependencies{SingleEndpoint: ep, Transport: transport}, zerolog.Nop())
	require.NoError(t, fac.ResetAll())
	assert.True(t, ep.Snapshot().Healthy)
}

func TestFacadeForceHealthyWithoutBackendFails(t *testing.T) {
	fac := New(Dependencies{}, zerolog.Nop())
	assert.Error(t, fac.ForceHealthy("https://a.example"))
	assert.Error(t, fac.ResetAll())
}

func TestFacadeErrClosedMatchesRetryError(t *testing.T) {
	transport := &fakeRPCTransport{}
	p := pool.New(testPoolEndpointCfgs("https://a.example"), pool.Config{}, transport, zerolog.Nop())
	p.Shutdown()

	fac := New(Dependencies{QueryPool: p, SubmitPool: p, Transport: transport}, zerolog.Nop())
	_, err := fac.GetBalance(context.Background(), "pubkey", CommitmentConfirmed)
	assert.ErrorIs(t, err, ErrClosed)
}
