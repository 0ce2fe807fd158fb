// Package dex implements the DEX Aggregation Query (spec.md §4.5): a
// provider registry, a fan-out/fan-in quote collector with partial-failure
// tolerance, and swap execution. Amounts use math/big, the same
// arbitrary-precision approach ChoSanghyuk-blackholedex uses throughout
// types.go/blackhole.go for on-chain integer amounts — swapped from EVM's
// wei-scale uint256 semantics to Solana's token-lamport amounts, but the
// same rationale (no float rounding on money) applies.
package dex

import "math/big"

// RouteHop is one leg of a quote's route plan.
type RouteHop struct {
	Provider string
	Input    string
	Output   string
	Percent  float64
}

// Quote is a non-binding price offer from one provider (spec.md §3).
type Quote struct {
	Provider      string
	InputMint     string
	OutputMint    string
	InputAmount   *big.Int
	OutputAmount  *big.Int
	PriceImpact   float64 // 0..1
	Route         []RouteHop
}

// ProviderOutcome is one provider's attempt, successful or not, kept for the
// DEX_QUOTE_COMPARISON event (spec.md §4.5: "every attempted provider's
// outcome").
type ProviderOutcome struct {
	Provider    string
	Quote       *Quote
	OutAmount   *big.Int // nil on failure
	PriceImpact float64
	Err         error
}

// ComparisonEvent is the DEX_QUOTE_COMPARISON event payload (spec.md §3).
type ComparisonEvent struct {
	InputMint  string            `json:"inputMint"`
	OutputMint string            `json:"outputMint"`
	InputAmount string           `json:"inputAmount"`
	Outcomes   []OutcomeRecord   `json:"outcomes"`
	Selected   string            `json:"selectedDex"`
}

// OutcomeRecord is ComparisonEvent's wire-serializable view of one
// ProviderOutcome (big.Int and error aren't directly JSON-marshalable).
type OutcomeRecord struct {
	Provider    string  `json:"provider"`
	OutAmount   string  `json:"outAmount,omitempty"`
	PriceImpact float64 `json:"priceImpact,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// SwapOptions carries opaque execution hints (spec.md §9 resolved open
// question: RAL never constructs compute-budget instructions itself).
type SwapOptions struct {
	PriorityFee  *uint64
	ComputeUnits *uint32
}

// SwapResult is executeSwap's outcome, tagged with the executing provider
// and never raised as a panic (spec.md §4.5).
type SwapResult struct {
	Provider  string
	Success   bool
	Signature string
	Err       string
}
