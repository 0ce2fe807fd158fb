package dex

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinlabs/solana-ral/internal/errs"
)

type stubProvider struct {
	name        string
	outAmount   *big.Int
	priceImpact float64
	err         error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Quote{Provider: s.name, OutputAmount: s.outAmount, PriceImpact: s.priceImpact}, nil
}

func (s *stubProvider) Swap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) SwapResult {
	return SwapResult{Provider: s.name, Success: true, Signature: "sig-" + s.name}
}

type panicProvider struct{}

func (panicProvider) Name() string { return "panicker" }
func (panicProvider) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	return nil, fmt.Errorf("unused")
}
func (panicProvider) Swap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) SwapResult {
	panic("boom")
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []ComparisonEvent
}

func (r *recordingPublisher) Publish(channel string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt, ok := payload.(ComparisonEvent); ok {
		r.calls = append(r.calls, evt)
	}
}

func TestGetBestQuotePicksHighestOutput(t *testing.T) {
	registry := NewRegistry(
		&stubProvider{name: "raydium", outAmount: big.NewInt(900)},
		&stubProvider{name: "orca", outAmount: big.NewInt(1000)},
	)
	pub := &recordingPublisher{}
	agg := NewAggregator(registry, pub, zerolog.Nop())

	quote, err := agg.GetBestQuote(context.Background(), "SOL", "USDC", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "orca", quote.Provider)

	require.Len(t, pub.calls, 1)
	assert.Equal(t, "orca", pub.calls[0].Selected)
	assert.Len(t, pub.calls[0].Outcomes, 2)
}

func TestGetBestQuoteTiesBrokenByPriceImpactThenName(t *testing.T) {
	registry := NewRegistry(
		&stubProvider{name: "zeta", outAmount: big.NewInt(1000), priceImpact: 0.01},
		&stubProvider{name: "alpha", outAmount: big.NewInt(1000), priceImpact: 0.01},
		&stubProvider{name: "beta", outAmount: big.NewInt(1000), priceImpact: 0.02},
	)
	agg := NewAggregator(registry, nil, zerolog.Nop())

	quote, err := agg.GetBestQuote(context.Background(), "SOL", "USDC", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "alpha", quote.Provider, "equal output and impact must break the tie alphabetically")
}

func TestGetBestQuoteToleratesPartialFailure(t *testing.T) {
	registry := NewRegistry(
		&stubProvider{name: "raydium", err: fmt.Errorf("timeout")},
		&stubProvider{name: "orca", outAmount: big.NewInt(500)},
	)
	agg := NewAggregator(registry, nil, zerolog.Nop())

	quote, err := agg.GetBestQuote(context.Background(), "SOL", "USDC", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "orca", quote.Provider)
}

func TestGetBestQuoteReturnsErrorWhenAllProvidersFail(t *testing.T) {
	registry := NewRegistry(
		&stubProvider{name: "raydium", err: fmt.Errorf("timeout")},
		&stubProvider{name: "orca", err: fmt.Errorf("boom")},
	)
	agg := NewAggregator(registry, nil, zerolog.Nop())

	_, err := agg.GetBestQuote(context.Background(), "SOL", "USDC", big.NewInt(1000))
	assert.ErrorIs(t, err, errs.ErrNoQuotesAvailable)
}

func TestExecuteSwapDelegatesToWinningProvider(t *testing.T) {
	registry := NewRegistry(&stubProvider{name: "orca", outAmount: big.NewInt(500)})
	agg := NewAggregator(registry, nil, zerolog.Nop())

	result := agg.ExecuteSwap(context.Background(), &Quote{Provider: "orca"}, 50, SwapOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, "sig-orca", result.Signature)
}

func TestExecuteSwapUnknownProvider(t *testing.T) {
	agg := NewAggregator(NewRegistry(), nil, zerolog.Nop())
	result := agg.ExecuteSwap(context.Background(), &Quote{Provider: "ghost"}, 50, SwapOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, "unknown provider", result.Err)
}

func TestExecuteSwapRecoversFromProviderPanic(t *testing.T) {
	registry := NewRegistry(panicProvider{})
	agg := NewAggregator(registry, nil, zerolog.Nop())

	result := agg.ExecuteSwap(context.Background(), &Quote{Provider: "panicker"}, 50, SwapOptions{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "panicked")
}
