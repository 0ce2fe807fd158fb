package dex

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/errs"
	"github.com/odinlabs/solana-ral/internal/metrics"
)

// EventPublisher is the narrow seam the aggregator needs from the Event Bus
// Adapter (spec.md §4.6); kept local to avoid a dependency from dex on
// eventbus.
type EventPublisher interface {
	Publish(channel string, payload any)
}

// Aggregator implements getBestQuote/executeSwap over a Registry (spec.md
// §4.5).
type Aggregator struct {
	registry  *Registry
	publisher EventPublisher
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// SetMetrics wires a Prometheus registry into the aggregator's internal
// instrumentation. Optional; nil disables recording.
func (a *Aggregator) SetMetrics(m *metrics.Registry) {
	a.metrics = m
}

// NewAggregator builds an Aggregator over a provider Registry. publisher may
// be nil, in which case the DEX_QUOTE_COMPARISON side effect is skipped
// (useful in tests).
func NewAggregator(registry *Registry, publisher EventPublisher, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry:  registry,
		publisher: publisher,
		logger:    logger.With().Str("component", "dex-aggregator").Logger(),
	}
}

// GetBestQuote fans out to every registered provider concurrently, settles
// all (does not cancel still-running requests when one fails), keeps only
// successes, and picks the maximum output (ties: lower price impact, then
// alphabetical provider name) — spec.md §4.5, P6.
func (a *Aggregator) GetBestQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	if a.metrics != nil {
		a.metrics.DexQuotesRequested.Inc()
	}

	providers := a.registry.All()
	outcomes := make([]ProviderOutcome, len(providers))

	var wg sync.WaitGroup
	wg.Add(len(providers))
	for i, p := range providers {
		i, p := i, p
		go func() {
			defer wg.Done()
			quote, err := p.Quote(ctx, inputMint, outputMint, amount)
			if err != nil {
				outcomes[i] = ProviderOutcome{Provider: p.Name(), Err: err}
				if a.metrics != nil {
					a.metrics.DexQuotesFailed.WithLabelValues(p.Name()).Inc()
				}
				return
			}
			outcomes[i] = ProviderOutcome{
				Provider:    p.Name(),
				Quote:       quote,
				OutAmount:   quote.OutputAmount,
				PriceImpact: quote.PriceImpact,
			}
		}()
	}
	wg.Wait()

	best := selectBest(outcomes)

	a.emitComparison(inputMint, outputMint, amount, outcomes, best)

	if best == nil {
		return nil, errs.ErrNoQuotesAvailable
	}
	return best.Quote, nil
}

// selectBest applies spec.md §4.5's selection rule over the settled
// outcomes. Returns nil if every provider failed.
func selectBest(outcomes []ProviderOutcome) *ProviderOutcome {
	var successes []*ProviderOutcome
	for i := range outcomes {
		if outcomes[i].Err == nil && outcomes[i].OutAmount != nil {
			successes = append(successes, &outcomes[i])
		}
	}
	if len(successes) == 0 {
		return nil
	}

	sort.Slice(successes, func(i, j int) bool {
		cmp := successes[i].OutAmount.Cmp(successes[j].OutAmount)
		if cmp != 0 {
			return cmp > 0 // higher output wins
		}
		if successes[i].PriceImpact != successes[j].PriceImpact {
			return successes[i].PriceImpact < successes[j].PriceImpact // lower impact wins
		}
		return successes[i].Provider < successes[j].Provider // alphabetical
	})
	return successes[0]
}

func (a *Aggregator) emitComparison(inputMint, outputMint string, amount *big.Int, outcomes []ProviderOutcome, best *ProviderOutcome) {
	if a.publisher == nil {
		return
	}

	records := make([]OutcomeRecord, 0, len(outcomes))
	for _, o := range outcomes {
		r := OutcomeRecord{Provider: o.Provider}
		if o.Err != nil {
			r.Error = o.Err.Error()
		} else {
			r.OutAmount = o.OutAmount.String()
			r.PriceImpact = o.PriceImpact
		}
		records = append(records, r)
	}

	selected := ""
	if best != nil {
		selected = best.Provider
	}

	event := ComparisonEvent{
		InputMint:   inputMint,
		OutputMint:  outputMint,
		InputAmount: amount.String(),
		Outcomes:    records,
		Selected:    selected,
	}

	// Emission failure must not affect the returned quote (spec.md §4.5):
	// Publish is best-effort by contract, so no error is checked here.
	a.publisher.Publish("events:dex-comparison", event)
}

// ExecuteSwap dispatches to the provider that produced quote and returns its
// outcome verbatim, tagged with the provider name. Never panics (spec.md
// §4.5).
func (a *Aggregator) ExecuteSwap(ctx context.Context, quote *Quote, maxSlippageBps int, opts SwapOptions) (result SwapResult) {
	defer func() {
		if r := recover(); r != nil {
			result = SwapResult{Provider: quote.Provider, Success: false, Err: "provider panicked during swap execution"}
		}
	}()

	provider, ok := a.registry.Get(quote.Provider)
	if !ok {
		return SwapResult{Provider: quote.Provider, Success: false, Err: "unknown provider"}
	}
	return provider.Swap(ctx, quote, maxSlippageBps, opts)
}
