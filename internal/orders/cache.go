package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache wraps order reads in a Redis cache-aside layer: check the cache
// first, fall back to Postgres on a miss, then best-effort populate the
// cache so the next read for the same order_id is served from Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// DefaultCacheTTL bounds how long a cached order can drift from the
// authoritative row before a read falls back to Postgres again.
const DefaultCacheTTL = 30 * time.Second

// NewCache builds an order read cache over client. ttl <= 0 falls back to
// DefaultCacheTTL. A nil logger falls back to zap.NewNop().
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func orderCacheKey(orderID string) string {
	return "order:" + orderID
}

// GetCached returns the order for orderID, consulting the cache before
// querying db. Cache errors never fail the read — they just fall through
// to Postgres, matching the teacher's "cache error means cache miss" rule.
func (c *Cache) GetCached(ctx context.Context, db *sql.DB, orderID string) (*Order, error) {
	if cached, err := c.get(ctx, orderID); err != nil {
		c.logger.Warn("order cache error, falling back to db", zap.String("order_id", orderID), zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	order, err := Get(ctx, db, orderID)
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, order); err != nil {
		c.logger.Warn("failed to populate order cache", zap.String("order_id", orderID), zap.Error(err))
	}

	return order, nil
}

// Invalidate drops the cached entry for orderID. Callers apply this after
// any mutation so a stale cached row never outlives the write that changed
// it by more than the in-flight request.
func (c *Cache) Invalidate(ctx context.Context, orderID string) error {
	return c.client.Del(ctx, orderCacheKey(orderID)).Err()
}

func (c *Cache) get(ctx context.Context, orderID string) (*Order, error) {
	raw, err := c.client.Get(ctx, orderCacheKey(orderID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Cache) set(ctx context.Context, order *Order) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, orderCacheKey(order.OrderID), raw, c.ttl).Err()
}
