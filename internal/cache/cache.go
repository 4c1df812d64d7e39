// Package cache provides Redis-based caching with graceful degradation.
// When Redis is unavailable, operations return errors that callers handle by
// falling back to the database or upstream source.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"srpk-license-server/config"
)

// Key formats
const (
	keyQuote  = "price:%s:quote"  // asset symbol
	keyCursor = "cursor:%s:block" // network
)

// Service wraps the Redis client used for hot quote lookups and the
// operator-visible cursor mirror.
type Service struct {
	client  *redis.Client
	mu      sync.RWMutex
	healthy bool
}

// New creates a cache service and verifies connectivity.
func New(cfg config.RedisConfig) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{client: client}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.healthy = true

	return s, nil
}

// Healthy reports the last known connection state.
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) setHealthy(ok bool) {
	s.mu.Lock()
	s.healthy = ok
	s.mu.Unlock()
}

// CachedQuote is the Redis representation of a price sample.
type CachedQuote struct {
	Asset      string    `json:"asset"`
	USDPrice   string    `json:"usd_price"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// SetQuote stores the hot quote for an asset.
func (s *Service) SetQuote(ctx context.Context, q CachedQuote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	if err := s.client.Set(ctx, fmt.Sprintf(keyQuote, q.Asset), data, ttl).Err(); err != nil {
		s.setHealthy(false)
		return fmt.Errorf("failed to cache quote: %w", err)
	}
	s.setHealthy(true)
	return nil
}

// GetQuote returns the cached quote for an asset, or nil on miss.
func (s *Service) GetQuote(ctx context.Context, asset string) (*CachedQuote, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(keyQuote, asset)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		s.setHealthy(false)
		return nil, fmt.Errorf("failed to read cached quote: %w", err)
	}
	s.setHealthy(true)

	var q CachedQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached quote: %w", err)
	}
	return &q, nil
}

// MirrorCursor publishes the poller's cursor position for dashboards. The
// authoritative value lives in Postgres; this copy is best-effort.
func (s *Service) MirrorCursor(ctx context.Context, network string, block int64) {
	_ = s.client.Set(ctx, fmt.Sprintf(keyCursor, network), block, 0).Err()
}
