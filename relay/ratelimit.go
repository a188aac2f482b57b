package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	redisadapter "github.com/skatebounties/relay-node/adapters/redis"
)

// RateLimiter bounds how often a single user may have transactions sponsored.
// CheckAndConsume must be atomic: when it reports true the attempt is already
// recorded, so two concurrent calls can never both take the last slot.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, user common.Address) (bool, error)
}

// PermissiveRateLimiter allows everything. It is the default policy and
// exists so deployments can start without redis and swap a real policy in
// later without touching the relayer.
type PermissiveRateLimiter struct{}

func (PermissiveRateLimiter) CheckAndConsume(_ context.Context, _ common.Address) (bool, error) {
	return true, nil
}

// FixedWindowRateLimiter admits at most max relays per user per window,
// counted in process memory. The window opens on the user's first relay.
type FixedWindowRateLimiter struct {
	counters *gocache.Cache
	max      int64
}

func NewFixedWindowRateLimiter(max int64, window time.Duration) *FixedWindowRateLimiter {
	return &FixedWindowRateLimiter{
		counters: gocache.New(window, window),
		max:      max,
	}
}

func (l *FixedWindowRateLimiter) CheckAndConsume(_ context.Context, user common.Address) (bool, error) {
	key := strings.ToLower(user.Hex())
	// Add is first-writer-wins, Increment is atomic, so concurrent callers
	// each see a distinct count
	_ = l.counters.Add(key, int64(0), gocache.DefaultExpiration)
	count, err := l.counters.IncrementInt64(key, 1)
	if err != nil {
		// key expired between Add and Increment, open a fresh window
		_ = l.counters.Add(key, int64(0), gocache.DefaultExpiration)
		count, err = l.counters.IncrementInt64(key, 1)
		if err != nil {
			return false, err
		}
	}
	return count <= l.max, nil
}

// TokenBucketRateLimiter gives every user an independent token bucket.
// Buckets refill at limit tokens per second up to burst, so short spikes are
// tolerated while the sustained rate stays bounded.
type TokenBucketRateLimiter struct {
	mu       sync.Mutex
	limiters map[common.Address]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewTokenBucketRateLimiter(limit rate.Limit, burst int) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		limiters: make(map[common.Address]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *TokenBucketRateLimiter) CheckAndConsume(_ context.Context, user common.Address) (bool, error) {
	l.mu.Lock()
	limiter, ok := l.limiters[user]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[user] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow(), nil
}

// RedisRateLimiter is a fixed window limiter with the counters in redis, for
// deployments running more than one relay node against the same sponsor
// account.
type RedisRateLimiter struct {
	counter *redisadapter.WindowCounter
	max     int64
}

func NewRedisRateLimiter(counter *redisadapter.WindowCounter, max int64) *RedisRateLimiter {
	return &RedisRateLimiter{counter: counter, max: max}
}

func (l *RedisRateLimiter) CheckAndConsume(ctx context.Context, user common.Address) (bool, error) {
	count, err := l.counter.Incr(ctx, strings.ToLower(user.Hex()))
	if err != nil {
		return false, err
	}
	return count <= l.max, nil
}
