package dex

import (
	"context"
	"fmt"
	"math/big"
)

// Provider quotes and executes swaps for one DEX or DEX aggregator (spec.md
// §9: "DEX provider"). RAL ships two reference implementations; operators
// register whichever subset is enabled via Registry.
type Provider interface {
	Name() string
	Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error)
	Swap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) SwapResult
}

// Registry is the set of enabled providers, looked up by name at
// construction time (SPEC_FULL.md §C: "DEX provider registry").
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds a Registry from a set of providers, preserving
// registration order for stable iteration (e.g. deterministic fan-out
// logging).
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Get looks up one provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// JupiterAggregator models a Jupiter-style aggregator-of-aggregators: it
// represents a provider that itself fans out across many pools behind a
// single HTTP quote API. RAL talks to it as one opaque upstream.
type JupiterAggregator struct {
	name       string
	httpClient QuoteFetcher
}

// QuoteFetcher is the narrow seam JupiterAggregator depends on, so tests can
// substitute a fake instead of a live HTTP endpoint.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error)
}

// NewJupiterAggregator builds a JupiterAggregator-style provider over a
// QuoteFetcher (typically an HTTP client against a quote API).
func NewJupiterAggregator(name string, fetcher QuoteFetcher) *JupiterAggregator {
	return &JupiterAggregator{name: name, httpClient: fetcher}
}

func (j *JupiterAggregator) Name() string { return j.name }

func (j *JupiterAggregator) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	return j.httpClient.FetchQuote(ctx, inputMint, outputMint, amount)
}

func (j *JupiterAggregator) Swap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) SwapResult {
	// Aggregator swaps are opaque transactions the caller must submit via the
	// facade's sendRawTransaction; executeSwap on this provider type always
	// reports the caller is responsible, never fabricating a signature.
	return SwapResult{Provider: j.name, Success: false, Err: "jupiter-style providers return an unsigned transaction for the caller to submit; executeSwap is not supported directly"}
}

// AMMPool is a single constant-product AMM pool quoter, modeled on
// ChoSanghyuk-blackholedex's AMMState/tick-math helpers (blackhole.go): one
// pool, reserve-based pricing, no routing through intermediate hops.
type AMMPool struct {
	name           string
	reserveIn      *big.Int
	reserveOut     *big.Int
	feeBps         int64
}

// NewAMMPool builds a single-pool AMM quoter over fixed reserves. In
// production the reserves would be refreshed from on-chain account data
// before each quote; tests and the reference wiring here pass them in
// directly.
func NewAMMPool(name string, reserveIn, reserveOut *big.Int, feeBps int64) *AMMPool {
	return &AMMPool{name: name, reserveIn: reserveIn, reserveOut: reserveOut, feeBps: feeBps}
}

func (a *AMMPool) Name() string { return a.name }

// Quote applies the constant-product formula with a fee haircut on the
// input amount, the same x*y=k shape blackhole.go's getAmountOut helper
// uses for its stable/volatile pair math, simplified to the volatile case.
func (a *AMMPool) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("dex: amount must be positive")
	}
	if a.reserveIn.Sign() <= 0 || a.reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("dex: %s has no liquidity", a.name)
	}

	amountInWithFee := new(big.Int).Mul(amount, big.NewInt(10_000-a.feeBps))
	numerator := new(big.Int).Mul(amountInWithFee, a.reserveOut)
	denominator := new(big.Int).Add(new(big.Int).Mul(a.reserveIn, big.NewInt(10_000)), amountInWithFee)
	if denominator.Sign() == 0 {
		return nil, fmt.Errorf("dex: %s: zero denominator", a.name)
	}
	outAmount := new(big.Int).Div(numerator, denominator)

	impact := priceImpact(amount, a.reserveIn)

	return &Quote{
		Provider:     a.name,
		InputMint:    inputMint,
		OutputMint:   outputMint,
		InputAmount:  new(big.Int).Set(amount),
		OutputAmount: outAmount,
		PriceImpact:  impact,
		Route: []RouteHop{
			{Provider: a.name, Input: inputMint, Output: outputMint, Percent: 100},
		},
	}, nil
}

func (a *AMMPool) Swap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) SwapResult {
	// RAL accepts pre-built, pre-signed transactions (spec.md's non-goal: no
	// transaction construction); a direct AMM pool provider without an
	// upstream execution endpoint cannot submit anything itself.
	return SwapResult{Provider: a.name, Success: false, Err: "AMM pool provider requires a pre-signed transaction submitted via sendRawTransaction"}
}

// priceImpact estimates impact as amountIn / (amountIn + reserveIn), a
// standard constant-product approximation.
func priceImpact(amountIn, reserveIn *big.Int) float64 {
	sum := new(big.Int).Add(amountIn, reserveIn)
	if sum.Sign() == 0 {
		return 0
	}
	numF := new(big.Float).SetInt(amountIn)
	sumF := new(big.Float).SetInt(sum)
	impact, _ := new(big.Float).Quo(numF, sumF).Float64()
	return impact
}
