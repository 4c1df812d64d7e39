package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// TickerSource reads spot prices from a Binance-style ticker endpoint
// (GET <url>?symbol=<ASSET>USDT -> {"symbol": "...", "price": "..."}).
type TickerSource struct {
	baseURL string
	client  *http.Client
}

// NewTickerSource creates a market-data source with a bounded per-call
// timeout.
func NewTickerSource(baseURL string, timeout time.Duration) *TickerSource {
	return &TickerSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *TickerSource) Name() string {
	return "binance-ticker"
}

// FetchUSDPrice returns the USD price for an asset symbol. Stablecoins quote
// at parity without a network call.
func (s *TickerSource) FetchUSDPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if asset == "USDT" || asset == "USDC" {
		return decimal.NewFromInt(1), nil
	}

	url := fmt.Sprintf("%s?symbol=%sUSDT", s.baseURL, asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build price request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price source returned status %d", resp.StatusCode)
	}

	var body struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", body.Price, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s", price, asset)
	}

	return price, nil
}
