package cache

import (
	"context"
	"log/slog"
	"time"
)

// ResilientCache wraps a Cache and logs backend failures instead of
// returning them: read errors become misses and write errors become no-ops.
type ResilientCache[T any] struct {
	inner  Cache[T]
	logger *slog.Logger
}

// ResilientOption configures a ResilientCache.
type ResilientOption[T any] func(*ResilientCache[T])

// WithLogger sets the logger. The default is slog.Default().
func WithLogger[T any](l *slog.Logger) ResilientOption[T] {
	return func(r *ResilientCache[T]) { r.logger = l }
}

// NewResilient creates a new ResilientCache wrapper.
func NewResilient[T any](inner Cache[T], opts ...ResilientOption[T]) *ResilientCache[T] {
	r := &ResilientCache[T]{inner: inner}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Get implements Cache.Get.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.logger.Warn("redlock: cache get failed, treating as miss", "key", key, "error", err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("redlock: cache set failed, skipping", "key", key, "error", err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.logger.Warn("redlock: cache invalidate failed, skipping", "key", key, "error", err)
	}
	return nil
}
