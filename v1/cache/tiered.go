package cache

import (
	"context"
	"time"
)

// DefaultLocalTTL caps how long a value stays in the local tier. Another
// instance's invalidation reaches this process only when the local copy
// expires, so the cap bounds how stale a read can be.
const DefaultLocalTTL = 5 * time.Second

// TieredCache puts a process-local cache in front of a shared one. Reads try
// the local tier first and fill it from the shared tier; writes and
// invalidations go to the shared tier first.
type TieredCache[T any] struct {
	local    Cache[T]
	shared   Cache[T]
	localTTL time.Duration
}

// TieredOption configures a TieredCache.
type TieredOption[T any] func(*TieredCache[T])

// WithLocalTTL sets the local tier cap. Non-positive values keep
// DefaultLocalTTL.
func WithLocalTTL[T any](d time.Duration) TieredOption[T] {
	return func(c *TieredCache[T]) {
		if d > 0 {
			c.localTTL = d
		}
	}
}

// NewTiered returns a cache reading local before shared.
func NewTiered[T any](local, shared Cache[T], opts ...TieredOption[T]) *TieredCache[T] {
	c := &TieredCache[T]{local: local, shared: shared, localTTL: DefaultLocalTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ttlReader interface {
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// localFor returns how long a value with the given shared ttl may live
// locally.
func (c *TieredCache[T]) localFor(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.localTTL {
		return c.localTTL
	}
	return ttl
}

// Get implements Cache.Get. Local failures count as local misses.
func (c *TieredCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if v, ok, err := c.local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	ttl := c.localTTL
	if tr, isTTL := c.shared.(ttlReader); isTTL {
		if remaining, found, err := tr.TTL(ctx, key); err == nil && found {
			ttl = c.localFor(remaining)
		}
	}
	_ = c.local.Set(ctx, key, v, ttl)
	return v, true, nil
}

// Set implements Cache.Set. The local tier is only written once the shared
// write succeeded.
func (c *TieredCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, c.localFor(ttl))
}

// Invalidate implements Cache.Invalidate. The local copy is dropped even
// when the shared tier fails.
func (c *TieredCache[T]) Invalidate(ctx context.Context, key string) error {
	err := c.shared.Invalidate(ctx, key)
	if lerr := c.local.Invalidate(ctx, key); err == nil {
		err = lerr
	}
	return err
}
