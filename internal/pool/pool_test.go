package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/errs"
	"github.com/odinlabs/solana-ral/internal/ratelimit"
)

// fakeTransport lets tests script per-URL responses without a live RPC node.
type fakeTransport struct {
	mu       sync.Mutex
	calls    int32
	fail     map[string]error
	delay    time.Duration
}

func (f *fakeTransport) Call(ctx context.Context, url, method string, params any) (json.RawMessage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.fail[url]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`"ok"`), nil
}

func testEndpointCfgs(urls ...string) []endpoint.Config {
	cfgs := make([]endpoint.Config, 0, len(urls))
	for i, u := range urls {
		cfgs = append(cfgs, endpoint.NewConfig(u, i, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{MaxRequests: 1000, Window: time.Second}))
	}
	return cfgs
}

func TestGetBestConnectionPrefersHighestScore(t *testing.T) {
	transport := &fakeTransport{}
	p := New(testEndpointCfgs("https://a.example", "https://b.example"), Config{}, transport, zerolog.Nop())

	eps := p.candidates(endpoint.PoolQuery)
	require.Len(t, eps, 2)

	// Make "a" score higher via a burst of recent successes.
	eps[0].BeginRequest()
	eps[0].EndSuccess(time.Millisecond)

	best, err := p.GetBestConnection(endpoint.PoolQuery)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", best.Config.URL)
}

func TestGetBestConnectionNoCandidates(t *testing.T) {
	p := New(nil, Config{}, &fakeTransport{}, zerolog.Nop())
	_, err := p.GetBestConnection(endpoint.PoolQuery)
	assert.ErrorIs(t, err, errs.ErrNoEndpointAvailable)
}

func TestGetBestConnectionFallsBackToLeastUnhealthy(t *testing.T) {
	transport := &fakeTransport{fail: map[string]error{
		"https://a.example": fmt.Errorf("boom"),
		"https://b.example": fmt.Errorf("boom"),
	}}
	p := New(testEndpointCfgs("https://a.example", "https://b.example"), Config{UnhealthyThreshold: 1}, transport, zerolog.Nop())

	_, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		return "", fmt.Errorf("boom")
	}, RetryOptions{MaxRetries: 2})
	require.Error(t, err)

	// Both endpoints should now be unhealthy; GetBestConnection must still
	// return the least-unhealthy one rather than erroring out.
	ep, err := p.GetBestConnection(endpoint.PoolQuery)
	require.NoError(t, err)
	assert.NotNil(t, ep)
}

func TestExecuteWithRetrySucceedsOnFirstHealthyEndpoint(t *testing.T) {
	transport := &fakeTransport{}
	p := New(testEndpointCfgs("https://a.example"), Config{}, transport, zerolog.Nop())

	result, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		return "ok", nil
	}, RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteWithRetryFailsOverToAnotherEndpoint(t *testing.T) {
	p := New(testEndpointCfgs("https://a.example", "https://b.example"), Config{UnhealthyThreshold: 1}, &fakeTransport{}, zerolog.Nop())

	var seen []string
	result, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		seen = append(seen, ep.Config.URL)
		if ep.Config.URL == "https://a.example" {
			return "", fmt.Errorf("simulated upstream failure")
		}
		return "ok", nil
	}, RetryOptions{MaxRetries: 3})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, seen)
}

func TestExecuteWithRetryReturnsAllAttemptsFailed(t *testing.T) {
	p := New(testEndpointCfgs("https://a.example"), Config{}, &fakeTransport{}, zerolog.Nop())

	_, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		return "", fmt.Errorf("always fails")
	}, RetryOptions{MaxRetries: 2})

	var allFailed *errs.AllAttemptsFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, 2, allFailed.Attempts)
}

func TestExecuteWithRetryRejectsNonRetryableErrors(t *testing.T) {
	p := New(testEndpointCfgs("https://a.example"), Config{}, &fakeTransport{}, zerolog.Nop())

	_, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		return "", fmt.Errorf("account not found for pubkey xyz")
	}, RetryOptions{MaxRetries: 3})

	var upstream *errs.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, errs.UpstreamNotFound, upstream.Kind)
}

func TestExecuteWithRetryOnClosedPool(t *testing.T) {
	p := New(testEndpointCfgs("https://a.example"), Config{}, &fakeTransport{}, zerolog.Nop())
	p.Shutdown()

	_, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		return "ok", nil
	}, RetryOptions{})
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestExecuteWithRetryTimesOut(t *testing.T) {
	transport := &fakeTransport{delay: 100 * time.Millisecond}
	p := New(testEndpointCfgs("https://a.example"), Config{}, transport, zerolog.Nop())

	_, err := ExecuteWithRetry(context.Background(), p, endpoint.PoolQuery, func(ctx context.Context, ep *endpoint.Endpoint) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, RetryOptions{MaxRetries: 1, Timeout: 10 * time.Millisecond})

	var timeoutErr *errs.AllAttemptsFailedError
	require.ErrorAs(t, err, &timeoutErr)
	var inner *errs.TimeoutError
	assert.ErrorAs(t, timeoutErr.LastCause, &inner)
}

func TestHealthCheckLoopFlipsUnhealthyEndpointBack(t *testing.T) {
	transport := &fakeTransport{fail: map[string]error{"https://a.example": fmt.Errorf("down")}}
	p := New(testEndpointCfgs("https://a.example"), Config{
		UnhealthyThreshold:  1,
		HealthyThreshold:    1,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  50 * time.Millisecond,
	}, transport, zerolog.Nop())
	p.Start()
	defer p.Shutdown()

	require.Eventually(t, func() bool {
		return !p.Snapshots()[0].Healthy
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	delete(transport.fail, "https://a.example")
	transport.mu.Unlock()

	require.Eventually(t, func() bool {
		return p.Snapshots()[0].Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestCheckOneSkipsRateLimitedEndpointWithoutCallingTransport(t *testing.T) {
	transport := &fakeTransport{}
	cfgs := []endpoint.Config{
		endpoint.NewConfig("https://a.example", 0, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{MaxRequests: 1, Window: time.Minute}),
	}
	p := New(cfgs, Config{}, transport, zerolog.Nop())

	ep := p.candidates(endpoint.PoolQuery)[0]
	require.NoError(t, ep.Limiter.TryAcquire(), "consume the endpoint's only token so it is saturated")

	p.checkOne(ep)

	assert.Equal(t, int32(0), atomic.LoadInt32(&transport.calls), "a saturated endpoint's health probe must not consume a real-traffic slot")
}
