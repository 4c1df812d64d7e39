package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"srpk-license-server/internal/cache"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/logging"
)

// ErrPriceUnavailable means no sample younger than the staleness threshold
// exists. Calculations fail closed on it; callers must never substitute a
// guess.
var ErrPriceUnavailable = errors.New("price unavailable: no sufficiently fresh sample")

// Source fetches the current USD price for an asset from a market-data
// upstream.
type Source interface {
	FetchUSDPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	Name() string
}

// SampleStore persists observed samples for audit and restart recovery.
type SampleStore interface {
	InsertPriceSample(ctx context.Context, sample *database.PriceSample) error
	LatestPriceSample(ctx context.Context, asset string) (*database.PriceSample, error)
}

// Config holds oracle policy parameters.
type Config struct {
	CacheTTL         time.Duration
	StalenessMax     time.Duration
	TolerancePercent float64
}

// Quote is a point-in-time exchange rate.
type Quote struct {
	Asset      string
	USDPrice   decimal.Decimal
	Source     string
	ObservedAt time.Time
}

// Band is the acceptable token amount range for a USD target. The tolerance
// absorbs the drift between quote time and on-chain settlement; it is a
// policy parameter, not a rounding artifact.
type Band struct {
	Nominal decimal.Decimal
	Lower   decimal.Decimal
	Upper   decimal.Decimal
}

// Contains reports whether amount falls inside the band. Bounds are
// exclusive: a payment at exactly the tolerance edge is out of band.
func (b Band) Contains(amount decimal.Decimal) bool {
	return amount.Cmp(b.Lower) > 0 && amount.Cmp(b.Upper) < 0
}

// Oracle caches quotes under a TTL and fails closed past the staleness
// threshold. The clock is injected so staleness is testable.
type Oracle struct {
	source Source
	store  SampleStore
	redis  *cache.Service // optional hot-quote cache
	bus    *events.Bus    // optional price.updated emitter
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewOracle creates a price oracle. redis and store may be nil in tests.
func NewOracle(source Source, store SampleStore, redis *cache.Service, cfg Config) *Oracle {
	return &Oracle{
		source: source,
		store:  store,
		redis:  redis,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.WithComponent("pricing"),
		quotes: make(map[string]Quote),
	}
}

// WithClock overrides the time source, for tests.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	return o
}

// WithBus attaches the event bus. Fresh upstream quotes then emit
// price.updated; cache hits and fallbacks do not.
func (o *Oracle) WithBus(bus *events.Bus) *Oracle {
	o.bus = bus
	return o
}

// TolerancePercent returns the configured band width.
func (o *Oracle) TolerancePercent() float64 {
	return o.cfg.TolerancePercent
}

// QuoteUSD returns the current USD price for an asset. Within the cache TTL
// the cached value is served; on upstream failure the most recent non-stale
// sample is used; past the staleness threshold the lookup fails with
// ErrPriceUnavailable.
func (o *Oracle) QuoteUSD(ctx context.Context, asset string) (Quote, error) {
	now := o.now()

	o.mu.RLock()
	cached, ok := o.quotes[asset]
	o.mu.RUnlock()
	if ok && now.Sub(cached.ObservedAt) < o.cfg.CacheTTL {
		return cached, nil
	}

	price, err := o.source.FetchUSDPrice(ctx, asset)
	if err == nil {
		q := Quote{Asset: asset, USDPrice: price, Source: o.source.Name(), ObservedAt: now}
		o.remember(ctx, q)
		return q, nil
	}

	o.logger.Warn().Err(err).Str("asset", asset).Msg("upstream price fetch failed, falling back to last sample")

	fallback, ferr := o.lastSample(ctx, asset)
	if ferr != nil {
		return Quote{}, ferr
	}
	if fallback == nil || now.Sub(fallback.ObservedAt) > o.cfg.StalenessMax {
		return Quote{}, ErrPriceUnavailable
	}
	return *fallback, nil
}

// RequiredAmount converts a USD target into the token amount band for an
// asset.
func (o *Oracle) RequiredAmount(ctx context.Context, asset string, usdTarget decimal.Decimal) (Band, error) {
	q, err := o.QuoteUSD(ctx, asset)
	if err != nil {
		return Band{}, err
	}
	if q.USDPrice.IsZero() {
		return Band{}, fmt.Errorf("zero price for %s: %w", asset, ErrPriceUnavailable)
	}

	nominal := usdTarget.Div(q.USDPrice)
	tolerance := nominal.Mul(decimal.NewFromFloat(o.cfg.TolerancePercent)).Div(decimal.NewFromInt(100))

	return Band{
		Nominal: nominal,
		Lower:   nominal.Sub(tolerance),
		Upper:   nominal.Add(tolerance),
	}, nil
}

func (o *Oracle) remember(ctx context.Context, q Quote) {
	o.mu.Lock()
	o.quotes[q.Asset] = q
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.PublishPriceUpdated(q.Asset, q.USDPrice.String(), q.Source, q.ObservedAt)
	}

	if o.store != nil {
		sample := &database.PriceSample{
			Asset:      q.Asset,
			USDPrice:   q.USDPrice,
			Source:     q.Source,
			ObservedAt: q.ObservedAt,
		}
		if err := o.store.InsertPriceSample(ctx, sample); err != nil {
			o.logger.Error().Err(err).Str("asset", q.Asset).Msg("failed to persist price sample")
		}
	}

	if o.redis != nil {
		cq := cache.CachedQuote{
			Asset:      q.Asset,
			USDPrice:   q.USDPrice.String(),
			Source:     q.Source,
			ObservedAt: q.ObservedAt,
		}
		if err := o.redis.SetQuote(ctx, cq, o.cfg.StalenessMax); err != nil {
			o.logger.Debug().Err(err).Msg("quote cache write skipped")
		}
	}
}

// lastSample checks memory, then Redis, then the sample table.
func (o *Oracle) lastSample(ctx context.Context, asset string) (*Quote, error) {
	o.mu.RLock()
	q, ok := o.quotes[asset]
	o.mu.RUnlock()
	if ok {
		return &q, nil
	}

	if o.redis != nil {
		if cq, err := o.redis.GetQuote(ctx, asset); err == nil && cq != nil {
			price, perr := decimal.NewFromString(cq.USDPrice)
			if perr == nil {
				return &Quote{Asset: cq.Asset, USDPrice: price, Source: cq.Source, ObservedAt: cq.ObservedAt}, nil
			}
		}
	}

	if o.store != nil {
		sample, err := o.store.LatestPriceSample(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback sample: %w", err)
		}
		if sample != nil {
			return &Quote{Asset: sample.Asset, USDPrice: sample.USDPrice, Source: sample.Source, ObservedAt: sample.ObservedAt}, nil
		}
	}

	return nil, nil
}
