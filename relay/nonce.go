package relay

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	redisadapter "github.com/skatebounties/relay-node/adapters/redis"
)

// NonceTracker is the relayer's replay protection. A request nonce is scoped
// to the (from, to) pair and may be consumed exactly once; a consumed nonce
// stays consumed even if the relay attempt fails afterwards, so a captured
// request cannot be replayed while the first attempt is still in flight.
type NonceTracker interface {
	Consume(ctx context.Context, from, to common.Address, nonce common.Hash) error
}

func nonceKey(from, to common.Address, nonce common.Hash) string {
	return strings.ToLower(from.Hex()) + ":" + strings.ToLower(to.Hex()) + ":" + nonce.Hex()
}

// MemoryNonceTracker keeps consumed nonces in process memory for the
// retention period. Suitable for a single-node deployment.
type MemoryNonceTracker struct {
	consumed *gocache.Cache
}

func NewMemoryNonceTracker(retention time.Duration) *MemoryNonceTracker {
	return &MemoryNonceTracker{
		consumed: gocache.New(retention, retention),
	}
}

func (t *MemoryNonceTracker) Consume(_ context.Context, from, to common.Address, nonce common.Hash) error {
	// Add is atomic and fails if the key exists, which is exactly consume-once
	if err := t.consumed.Add(nonceKey(from, to, nonce), struct{}{}, gocache.DefaultExpiration); err != nil {
		return ErrNonceAlreadyUsed
	}
	return nil
}

// RedisNonceTracker shares consumed nonces between relay nodes via redis.
type RedisNonceTracker struct {
	consumed *redisadapter.ConsumeOnceSet
}

func NewRedisNonceTracker(consumed *redisadapter.ConsumeOnceSet) *RedisNonceTracker {
	return &RedisNonceTracker{consumed: consumed}
}

func (t *RedisNonceTracker) Consume(ctx context.Context, from, to common.Address, nonce common.Hash) error {
	ok, err := t.consumed.Consume(ctx, nonceKey(from, to, nonce))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNonceAlreadyUsed
	}
	return nil
}
