// Package endpoint models a single RPC/WS endpoint: its immutable config and
// its mutable health stats (spec.md §3, "Endpoint" / "Endpoint health
// state"). Stats mutation is synchronized the way the teacher's Stats struct
// (server.go) guards its counters with a dedicated mutex rather than
// sprinkling atomics across unrelated fields.
package endpoint

import (
	"sync"
	"time"

	"github.com/odinlabs/solana-ral/internal/ratelimit"
)

// PoolType is a purpose an endpoint may serve. An endpoint can belong to more
// than one.
type PoolType string

const (
	PoolQuery     PoolType = "query"
	PoolSubmit    PoolType = "submit"
	PoolWebsocket PoolType = "websocket"
)

// Config is an endpoint's immutable configuration (spec.md §3 invariant:
// "priority fixed for the endpoint's lifetime").
type Config struct {
	URL         string
	Priority    int // lower = preferred
	PoolTypes   map[PoolType]struct{}
	RateLimit   ratelimit.Params
	Weight      int
}

// HasPoolType reports whether the endpoint serves the given purpose.
func (c Config) HasPoolType(pt PoolType) bool {
	_, ok := c.PoolTypes[pt]
	return ok
}

// NewConfig builds a Config, filling in rate-limit defaults from the known-
// provider catalog (spec.md §4.1) when rl is the zero value.
func NewConfig(url string, priority int, poolTypes []PoolType, rl ratelimit.Params) Config {
	set := make(map[PoolType]struct{}, len(poolTypes))
	for _, pt := range poolTypes {
		set[pt] = struct{}{}
	}
	if rl.MaxRequests == 0 {
		rl = ratelimit.DefaultsFor(url)
	}
	return Config{URL: url, Priority: priority, PoolTypes: set, RateLimit: rl}
}

// healthState is the mutable half of spec.md §3's "Endpoint health state".
type healthState struct {
	mu sync.RWMutex

	consecSuccess int
	consecError   int
	totalRequests int64
	failedRequests int64
	emaLatencyMs  float64
	activeRequests int64
	lastErrorMsg  string
	lastErrorAt   time.Time
	lastCheckAt   time.Time
	healthy       bool
}

// Endpoint couples immutable config with mutable health stats and its own
// rate limiter.
type Endpoint struct {
	Config Config
	Limiter *ratelimit.Limiter

	health healthState

	unhealthyThreshold int
	healthyThreshold   int
}

// New builds an Endpoint starting in the healthy state, per spec.md §3.
func New(cfg Config, unhealthyThreshold, healthyThreshold int) *Endpoint {
	return &Endpoint{
		Config:             cfg,
		Limiter:            ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		health:             healthState{healthy: true},
		unhealthyThreshold: unhealthyThreshold,
		healthyThreshold:   healthyThreshold,
	}
}

// Snapshot is an atomic, torn-read-free view of an endpoint's health,
// returned to callers that must not hold a reference into live state
// (spec.md §5: "readers must tolerate torn reads by using... atomic
// snapshots").
type Snapshot struct {
	URL            string
	Priority       int
	Healthy        bool
	ConsecSuccess  int
	ConsecError    int
	TotalRequests  int64
	FailedRequests int64
	EMALatencyMs   float64
	ActiveRequests int64
	LastErrorMsg   string
	LastErrorAt    time.Time
	LastCheckAt    time.Time
}

// Snapshot returns a point-in-time copy of the endpoint's health state.
func (e *Endpoint) Snapshot() Snapshot {
	e.health.mu.RLock()
	defer e.health.mu.RUnlock()
	h := e.health
	return Snapshot{
		URL:            e.Config.URL,
		Priority:       e.Config.Priority,
		Healthy:        h.healthy,
		ConsecSuccess:  h.consecSuccess,
		ConsecError:    h.consecError,
		TotalRequests:  h.totalRequests,
		FailedRequests: h.failedRequests,
		EMALatencyMs:   h.emaLatencyMs,
		ActiveRequests: h.activeRequests,
		LastErrorMsg:   h.lastErrorMsg,
		LastErrorAt:    h.lastErrorAt,
		LastCheckAt:    h.lastCheckAt,
	}
}

// BeginRequest marks the start of an attempt: increments active and total
// request counters. Call EndSuccess or EndFailure exactly once to match.
func (e *Endpoint) BeginRequest() {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()
	e.health.activeRequests++
	e.health.totalRequests++
}

const emaAlpha = 0.1

// EndSuccess records a successful attempt: updates the latency EMA, resets
// the consecutive-error counter, advances consecutive-success, and applies
// the healthy transition (spec.md §3: "unhealthy → healthy when consecutive
// successes reach a healthy threshold").
func (e *Endpoint) EndSuccess(latency time.Duration) {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()

	e.health.activeRequests--
	e.health.consecError = 0
	e.health.consecSuccess++

	ms := float64(latency.Milliseconds())
	if e.health.emaLatencyMs == 0 {
		e.health.emaLatencyMs = ms
	} else {
		e.health.emaLatencyMs = emaAlpha*ms + (1-emaAlpha)*e.health.emaLatencyMs
	}

	if !e.health.healthy && e.health.consecSuccess >= e.healthyThreshold {
		e.health.healthy = true
	}
}

// EndFailure records a failed attempt: resets the consecutive-success
// counter, advances consecutive-error, and applies the unhealthy transition.
func (e *Endpoint) EndFailure(errMsg string) {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()

	e.health.activeRequests--
	e.health.consecSuccess = 0
	e.health.consecError++
	e.health.failedRequests++
	e.health.lastErrorMsg = errMsg
	e.health.lastErrorAt = time.Now()

	if e.health.healthy && e.health.consecError >= e.unhealthyThreshold {
		e.health.healthy = false
	}
}

// MarkChecked stamps the last-health-check timestamp (set by the pool's
// background health checker, spec.md §4.2).
func (e *Endpoint) MarkChecked() {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()
	e.health.lastCheckAt = time.Now()
}

// ForceHealthy is the operator administrative reset (spec.md §4.2: "Manual
// recovery"). Idempotent.
func (e *Endpoint) ForceHealthy() {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()
	e.health.healthy = true
	e.health.consecError = 0
	e.health.consecSuccess = e.healthyThreshold
	e.health.lastErrorMsg = ""
}

// Score computes the endpoint's selection score per spec.md §4.2:
//
//	score = 10·consecSuccess − 20·consecError + max(0, 1000 − emaLatencyMs)
//	        − 50·activeRequests + (totalRequests > 100 ? 20 : 0)
func (e *Endpoint) Score() float64 {
	s := e.Snapshot()
	latencyTerm := 1000 - s.EMALatencyMs
	if latencyTerm < 0 {
		latencyTerm = 0
	}
	score := 10*float64(s.ConsecSuccess) - 20*float64(s.ConsecError) + latencyTerm - 50*float64(s.ActiveRequests)
	if s.TotalRequests > 100 {
		score += 20
	}
	return score
}
