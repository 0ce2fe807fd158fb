// Package pool implements the Connection Pool (spec.md §4.2): endpoint
// selection by score, failover retry, and a background health checker. The
// selection/health-aggregation shape is grounded on the teacher's
// LoadBalancer (adred-codev-ws_poc/ws/internal/multi/loadbalancer.go), which
// picks a shard by "most available slots" and aggregates per-shard health
// into one status payload; here the selection metric is spec.md's score
// formula instead of available connection slots.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/errs"
	"github.com/odinlabs/solana-ral/internal/metrics"
	"github.com/odinlabs/solana-ral/internal/rpctransport"
)

// Config configures a Pool.
type Config struct {
	UnhealthyThreshold  int
	HealthyThreshold    int
	RequestTimeout      time.Duration
	MaxRetries          int
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = 3
	}
	if c.HealthyThreshold == 0 {
		c.HealthyThreshold = 2
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	return c
}

// Pool owns a set of endpoints and routes calls to the best one per pool
// type (spec.md §2, "Connection Pool").
type Pool struct {
	cfg       Config
	logger    zerolog.Logger
	transport rpctransport.Transport
	metrics   *metrics.Registry

	mu        sync.RWMutex
	endpoints []*endpoint.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New builds a Pool from a set of endpoint configs.
func New(cfgs []endpoint.Config, poolCfg Config, transport rpctransport.Transport, logger zerolog.Logger) *Pool {
	poolCfg = poolCfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	eps := make([]*endpoint.Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		eps = append(eps, endpoint.New(c, poolCfg.UnhealthyThreshold, poolCfg.HealthyThreshold))
	}

	return &Pool{
		cfg:       poolCfg,
		logger:    logger.With().Str("component", "pool").Logger(),
		transport: transport,
		endpoints: eps,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMetrics wires a Prometheus registry into the pool's internal
// instrumentation. Optional: a nil registry (the default) disables
// recording without any call-site checks beyond this field.
func (p *Pool) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// Start launches the background health checker (spec.md §4.2).
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.healthCheckLoop()
}

// Shutdown cancels the health checker and marks the pool closed. Pending
// executeWithRetry calls in flight are allowed to finish; new calls fail
// with errs.ErrClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) candidates(poolType endpoint.PoolType) []*endpoint.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*endpoint.Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.Config.HasPoolType(poolType) {
			out = append(out, e)
		}
	}
	return out
}

// GetBestConnection implements spec.md §4.2's getBestConnection operation.
func (p *Pool) GetBestConnection(poolType endpoint.PoolType) (*endpoint.Endpoint, error) {
	candidates := p.candidates(poolType)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: pool type %q", errs.ErrNoEndpointAvailable, poolType)
	}

	var healthy []*endpoint.Endpoint
	for _, e := range candidates {
		if e.Snapshot().Healthy {
			healthy = append(healthy, e)
		}
	}

	if len(healthy) == 0 {
		// Never fail outright while at least one endpoint exists: return
		// the least-unhealthy candidate and log (spec.md §4.2).
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Snapshot().ConsecError < candidates[j].Snapshot().ConsecError
		})
		best := candidates[0]
		p.logger.Warn().
			Str("url", best.Config.URL).
			Str("pool_type", string(poolType)).
			Msg("no healthy endpoint available, using least-unhealthy candidate")
		return best, nil
	}

	sort.Slice(healthy, func(i, j int) bool {
		si, sj := healthy[i].Score(), healthy[j].Score()
		if si != sj {
			return si > sj
		}
		return healthy[i].Config.Priority < healthy[j].Config.Priority
	})
	return healthy[0], nil
}

// RetryOptions configures executeWithRetry. Zero value uses spec.md's
// defaults (maxRetries=3).
type RetryOptions struct {
	MaxRetries int
	Timeout    time.Duration
}

func (o RetryOptions) withDefaults(cfg Config) RetryOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = cfg.MaxRetries
	}
	if o.Timeout == 0 {
		o.Timeout = cfg.RequestTimeout
	}
	return o
}

// Op is a unit of work executed against a chosen endpoint.
type Op[T any] func(ctx context.Context, ep *endpoint.Endpoint) (T, error)

// ExecuteWithRetry implements spec.md §4.2's executeWithRetry operation: pick
// the best endpoint, race fn against a timeout, classify failures, and
// fail over to another endpoint up to maxRetries attempts. Generic over the
// result type since the pool is transport-agnostic about what fn returns.
func ExecuteWithRetry[T any](ctx context.Context, p *Pool, poolType endpoint.PoolType, fn Op[T], opts RetryOptions) (T, error) {
	var zero T

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return zero, errs.ErrClosed
	}

	opts = opts.withDefaults(p.cfg)

	var lastErr error
	var attemptedURLs []string

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		ep, err := p.GetBestConnection(poolType)
		if err != nil {
			return zero, err
		}
		attemptedURLs = append(attemptedURLs, ep.Config.URL)
		if p.metrics != nil {
			p.metrics.RetryAttempts.WithLabelValues(string(poolType)).Inc()
		}

		waitStart := time.Now()
		if err := ep.Limiter.Acquire(ctx); err != nil {
			return zero, err
		}
		if p.metrics != nil {
			p.metrics.RateLimitAcquires.WithLabelValues(ep.Config.URL).Inc()
			p.metrics.RateLimitWaitSecs.WithLabelValues(ep.Config.URL).Observe(time.Since(waitStart).Seconds())
		}

		ep.BeginRequest()
		start := time.Now()

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		result, fnErr := runWithTimeout(attemptCtx, ep, fn)
		cancel()

		if fnErr == nil {
			ep.EndSuccess(time.Since(start))
			return result, nil
		}

		ep.EndFailure(fnErr.Error())
		lastErr = fnErr

		if attemptCtx.Err() == context.DeadlineExceeded {
			lastErr = &errs.TimeoutError{Op: string(poolType), Timeout: opts.Timeout.String()}
			continue
		}

		classified := errs.ClassifyUpstream(fnErr)
		if !classified.Retryable() {
			return zero, classified
		}

		select {
		case <-time.After(time.Duration(100*attempt) * time.Millisecond):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	if p.metrics != nil {
		p.metrics.AllAttemptsFailed.Inc()
	}
	return zero, &errs.AllAttemptsFailedError{
		Attempts:  opts.MaxRetries,
		URLs:      attemptedURLs,
		LastCause: lastErr,
	}
}

// runWithTimeout races fn against attemptCtx's deadline.
func runWithTimeout[T any](attemptCtx context.Context, ep *endpoint.Endpoint, fn Op[T]) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(attemptCtx, ep)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}

// healthCheckLoop wakes every HealthCheckInterval and probes every endpoint
// whose pool type isn't external-API (spec.md §4.2).
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runHealthChecks()
		}
	}
}

func (p *Pool) runHealthChecks() {
	p.mu.RLock()
	eps := append([]*endpoint.Endpoint(nil), p.endpoints...)
	p.mu.RUnlock()

	for _, e := range eps {
		go p.checkOne(e)
	}
}

func (p *Pool) checkOne(e *endpoint.Endpoint) {
	// Health probes must never queue behind real traffic's rate-limit
	// budget: a non-blocking TryAcquire skips this cycle for a saturated
	// endpoint instead of stalling the shared health-check goroutine.
	if err := e.Limiter.TryAcquire(); err != nil {
		p.logger.Debug().Str("url", e.Config.URL).Msg("skipping health check, endpoint is rate limited")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.HealthCheckTimeout)
	defer cancel()

	wasHealthy := e.Snapshot().Healthy
	start := time.Now()
	e.BeginRequest()
	_, err := p.transport.Call(ctx, e.Config.URL, "getVersion", nil)
	e.MarkChecked()

	if err != nil {
		e.EndFailure(err.Error())
		p.logger.Warn().Str("url", e.Config.URL).Err(err).Msg("health check failed")
	} else {
		e.EndSuccess(time.Since(start))
	}

	if isHealthy := e.Snapshot().Healthy; isHealthy != wasHealthy && p.metrics != nil {
		state := "unhealthy"
		if isHealthy {
			state = "healthy"
		}
		p.metrics.EndpointHealthFlips.WithLabelValues(e.Config.URL, state).Inc()
	}
}

// ForceHealthy resets the named endpoint to healthy (spec.md §4.2: "manual
// recovery"). Idempotent; no-op if the URL is unknown.
func (p *Pool) ForceHealthy(url string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.endpoints {
		if e.Config.URL == url {
			e.ForceHealthy()
			p.logger.Info().Str("url", url).Msg("endpoint forced healthy by operator")
			return
		}
	}
}

// ResetAll forces every endpoint healthy. Idempotent.
func (p *Pool) ResetAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.endpoints {
		e.ForceHealthy()
	}
	p.logger.Info().Msg("all endpoints reset by operator")
}

// Snapshots returns the health snapshot of every endpoint, for health-status
// reporting.
func (p *Pool) Snapshots() []endpoint.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]endpoint.Snapshot, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e.Snapshot())
	}
	return out
}
