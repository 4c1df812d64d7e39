package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
)

type fakeSource struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeSource) FetchUSDPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.price, nil
}

func (f *fakeSource) Name() string { return "fake" }

type fakeStore struct {
	samples []*database.PriceSample
}

func (f *fakeStore) InsertPriceSample(ctx context.Context, sample *database.PriceSample) error {
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeStore) LatestPriceSample(ctx context.Context, asset string) (*database.PriceSample, error) {
	for i := len(f.samples) - 1; i >= 0; i-- {
		if f.samples[i].Asset == asset {
			return f.samples[i], nil
		}
	}
	return nil, nil
}

func testConfig() Config {
	return Config{
		CacheTTL:         30 * time.Second,
		StalenessMax:     5 * time.Minute,
		TolerancePercent: 3.0,
	}
}

// TestQuoteCachesWithinTTL verifies the upstream is not re-queried while the
// cached quote is fresh.
func TestQuoteCachesWithinTTL(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(600)}
	now := time.Now()
	oracle := NewOracle(src, &fakeStore{}, nil, testConfig()).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		q, err := oracle.QuoteUSD(context.Background(), "BNB")
		if err != nil {
			t.Fatalf("QuoteUSD failed: %v", err)
		}
		if !q.USDPrice.Equal(decimal.NewFromInt(600)) {
			t.Errorf("expected price 600, got %s", q.USDPrice)
		}
	}

	if src.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", src.calls)
	}
}

// TestQuoteFallsBackToLastSample verifies that an upstream failure serves the
// most recent non-stale sample instead of failing.
func TestQuoteFallsBackToLastSample(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(600)}
	store := &fakeStore{}
	now := time.Now()
	clock := now
	oracle := NewOracle(src, store, nil, testConfig()).WithClock(func() time.Time { return clock })

	if _, err := oracle.QuoteUSD(context.Background(), "BNB"); err != nil {
		t.Fatalf("initial quote failed: %v", err)
	}

	// Upstream goes down 2 minutes later; the sample is still fresh.
	src.err = errors.New("upstream down")
	clock = now.Add(2 * time.Minute)

	q, err := oracle.QuoteUSD(context.Background(), "BNB")
	if err != nil {
		t.Fatalf("expected fallback quote, got error: %v", err)
	}
	if !q.USDPrice.Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected fallback price 600, got %s", q.USDPrice)
	}
}

// TestQuoteFailsClosedWhenStale verifies ErrPriceUnavailable past the
// staleness threshold.
func TestQuoteFailsClosedWhenStale(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(600)}
	store := &fakeStore{}
	now := time.Now()
	clock := now
	oracle := NewOracle(src, store, nil, testConfig()).WithClock(func() time.Time { return clock })

	if _, err := oracle.QuoteUSD(context.Background(), "BNB"); err != nil {
		t.Fatalf("initial quote failed: %v", err)
	}

	src.err = errors.New("upstream down")
	clock = now.Add(6 * time.Minute)

	_, err := oracle.QuoteUSD(context.Background(), "BNB")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

// TestQuoteUnavailableWithNoHistory verifies a cold oracle with a dead
// upstream fails closed immediately.
func TestQuoteUnavailableWithNoHistory(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream down")}
	oracle := NewOracle(src, &fakeStore{}, nil, testConfig())

	_, err := oracle.QuoteUSD(context.Background(), "BNB")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

// TestRequiredAmountBand verifies band arithmetic and the exclusive
// tolerance edges at the default 3 percent.
func TestRequiredAmountBand(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(1)}
	oracle := NewOracle(src, &fakeStore{}, nil, testConfig())

	band, err := oracle.RequiredAmount(context.Background(), "USDT", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("RequiredAmount failed: %v", err)
	}

	if !band.Nominal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected nominal 100, got %s", band.Nominal)
	}

	cases := []struct {
		name   string
		amount decimal.Decimal
		want   bool
	}{
		{"at 97 percent", decimal.NewFromInt(97), false},
		{"just inside lower edge", decimal.NewFromFloat(97.01), true},
		{"at 102 percent", decimal.NewFromInt(102), true},
		{"at 103 percent", decimal.NewFromInt(103), false},
		{"nominal", decimal.NewFromInt(100), true},
	}

	for _, tc := range cases {
		if got := band.Contains(tc.amount); got != tc.want {
			t.Errorf("%s: Contains(%s) = %v, want %v", tc.name, tc.amount, got, tc.want)
		}
	}
}

// TestFreshQuotePublishesPriceUpdated verifies a fresh upstream quote emits
// price.updated while cache hits stay silent.
func TestFreshQuotePublishesPriceUpdated(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(600)}
	bus := events.NewBus()
	var published []events.Event
	bus.Subscribe(events.EventPriceUpdated, func(e events.Event) { published = append(published, e) })

	now := time.Now()
	oracle := NewOracle(src, &fakeStore{}, nil, testConfig()).
		WithClock(func() time.Time { return now }).
		WithBus(bus)

	for i := 0; i < 3; i++ {
		if _, err := oracle.QuoteUSD(context.Background(), "BNB"); err != nil {
			t.Fatalf("QuoteUSD failed: %v", err)
		}
	}

	if len(published) != 1 {
		t.Fatalf("expected 1 price.updated event, got %d", len(published))
	}
	if published[0].Data["asset"] != "BNB" || published[0].Data["usd_price"] != "600" {
		t.Errorf("event data = %v", published[0].Data)
	}
}

// TestStablecoinParity verifies USDT quotes at 1 without consulting the
// upstream price for correctness of the band.
func TestStablecoinParity(t *testing.T) {
	src := NewTickerSource("http://unused.invalid", time.Second)
	price, err := src.FetchUSDPrice(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("FetchUSDPrice failed: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected parity price 1, got %s", price)
	}
}
