package dex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"
)

// JupiterHTTPClient is the default QuoteFetcher: a plain REST client against
// Jupiter's public quote API. Jupiter is reached over HTTP, not Solana
// JSON-RPC, so it does not go through the Connection Pool or rpctransport —
// it is a separate, unrelated upstream (spec.md §9: "DEX provider").
type JupiterHTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewJupiterHTTPClient builds a QuoteFetcher against baseURL (e.g.
// "https://quote-api.jup.ag/v6").
func NewJupiterHTTPClient(baseURL string, timeout time.Duration) *JupiterHTTPClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &JupiterHTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type jupiterQuoteResponse struct {
	OutAmount    string `json:"outAmount"`
	PriceImpact  string `json:"priceImpactPct"`
	RoutePlan    []struct {
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
		Percent float64 `json:"percent"`
	} `json:"routePlan"`
}

// FetchQuote calls GET {baseURL}/quote?inputMint=...&outputMint=...&amount=...
func (j *JupiterHTTPClient) FetchQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dex: build jupiter request: %w", err)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dex: jupiter request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dex: read jupiter response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dex: jupiter quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var qr jupiterQuoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("dex: decode jupiter response: %w", err)
	}

	outAmount, ok := new(big.Int).SetString(qr.OutAmount, 10)
	if !ok {
		return nil, fmt.Errorf("dex: jupiter returned non-numeric outAmount %q", qr.OutAmount)
	}

	var impact float64
	fmt.Sscanf(qr.PriceImpact, "%f", &impact)

	hops := make([]RouteHop, 0, len(qr.RoutePlan))
	for _, leg := range qr.RoutePlan {
		hops = append(hops, RouteHop{Provider: leg.SwapInfo.Label, Input: inputMint, Output: outputMint, Percent: leg.Percent})
	}

	return &Quote{
		Provider:     "jupiter",
		InputMint:    inputMint,
		OutputMint:   outputMint,
		InputAmount:  new(big.Int).Set(amount),
		OutputAmount: outAmount,
		PriceImpact:  impact,
		Route:        hops,
	}, nil
}
