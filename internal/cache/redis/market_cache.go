package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// DefaultMarketTTL bounds how long catalog entries stay cached.
const DefaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache as JSON strings under
// market:{id}.
type MarketCache struct {
	client *Client
	ttl    time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{client: c, ttl: ttl}
}

func (mc *MarketCache) marketKey(id string) string { return mc.client.key("market:" + id) }

// Set stores market with the cache TTL.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	if err := mc.client.rdb.Set(ctx, mc.marketKey(market.ID), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns the cached market or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.client.rdb.Get(ctx, mc.marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// Invalidate drops the cached market.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.client.rdb.Del(ctx, mc.marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
