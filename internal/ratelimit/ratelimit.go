// Package ratelimit throttles the Outbound Dispatcher's upstream calls so
// the client-side rate matches the documented upstream leaky bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Default bucket shape: capacity 2, refill 2/sec, matching the upstream
// mock's documented leaky bucket.
const (
	DefaultRate     = 2
	DefaultCapacity = 2
)

// Limiter acquires one token before each outbound call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket, used when no REDIS_ADDR is
// configured. Sufficient for a single dispatcher instance.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal builds a local token bucket refilling refillPerSec tokens per
// second up to capacity.
func NewLocal(refillPerSec float64, capacity int) *Local {
	return &Local{limiter: rate.NewLimiter(rate.Limit(refillPerSec), capacity)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Shared is a Redis-backed token bucket shared across every dispatcher
// replica, so scaling the dispatcher horizontally does not multiply the
// effective rate against the upstream.
type Shared struct {
	client       *redis.Client
	key          string
	capacity     int
	refillPerSec float64
}

// NewShared builds a Redis-backed limiter under keyPrefix, shared by every
// process pointed at the same Redis instance.
func NewShared(client *redis.Client, keyPrefix string, refillPerSec float64, capacity int) *Shared {
	return &Shared{
		client:       client,
		key:          keyPrefix + ":ratelimit:shopify_outbound",
		capacity:     capacity,
		refillPerSec: refillPerSec,
	}
}

// Wait polls a Redis counter windowed to one refill interval, retrying
// until a slot opens or ctx is done. The counter is incremented with
// INCR and given a TTL of one refill interval with PEXPIRE, so it resets
// itself without a separate cleanup process.
func (s *Shared) Wait(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / s.refillPerSec * float64(s.capacity))
	if interval <= 0 {
		interval = time.Second
	}

	for {
		count, err := s.client.Incr(ctx, s.key).Result()
		if err != nil {
			return fmt.Errorf("ratelimit: incr %s: %w", s.key, err)
		}
		if count == 1 {
			if err := s.client.PExpire(ctx, s.key, interval).Err(); err != nil {
				return fmt.Errorf("ratelimit: expire %s: %w", s.key, err)
			}
		}

		if int(count) <= s.capacity {
			return nil
		}

		ttl, err := s.client.PTTL(ctx, s.key).Result()
		if err != nil {
			return fmt.Errorf("ratelimit: ttl %s: %w", s.key, err)
		}
		if ttl <= 0 {
			ttl = interval
		}

		timer := time.NewTimer(ttl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
