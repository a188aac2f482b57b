// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowCounter counts hits per key inside a fixed time window. The first
// INCR on a key opens the window by attaching an expiry, so check-then-count
// stays a single atomic redis operation.
type WindowCounter struct {
	client    *redis.Client
	window    time.Duration
	keyPrefix string
}

func NewWindowCounter(client *redis.Client, window time.Duration, keyPrefix string) *WindowCounter {
	return &WindowCounter{
		client:    client,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

func (c *WindowCounter) Incr(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Incr(ctx, c.keyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// ignore expiry error as it is not critical, the window just lives longer
		_ = c.client.Expire(ctx, c.keyPrefix+key, c.window).Err()
	}
	return count, nil
}

// ConsumeOnceSet marks keys as consumed exactly once. Consume returns true
// for the first caller and false for everyone after, until the key expires.
type ConsumeOnceSet struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewConsumeOnceSet(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ConsumeOnceSet {
	return &ConsumeOnceSet{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (s *ConsumeOnceSet) Consume(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, s.keyPrefix+key, 1, s.expireDuration).Result()
}

// DeleteAll deletes all the keys with the set's prefix. It can be very slow
// and should only be used for testing.
func (s *ConsumeOnceSet) DeleteAll(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
