package core

import (
	"context"
	"time"

	"github.com/bobg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-redlock/v1/cache"
	"github.com/mirkobrombin/go-redlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/core")

// Locker runs fn while holding a cluster-wide lease on resources.
// *lock.Manager satisfies it.
type Locker interface {
	Using(ctx context.Context, resources []string, ttl time.Duration, fn func(context.Context) error) error
}

// Loader fetches a value from the system of record.
type Loader[T any] func(ctx context.Context) (T, error)

// loadError marks errors returned by the loader so they can be told apart
// from lock failures after Using returns.
type loadError struct{ err error }

func (e loadError) Error() string { return e.err.Error() }
func (e loadError) Unwrap() error { return e.err }

// Coordinator serves read-through lookups with at most one loader call in
// flight per key across the cluster.
type Coordinator[T any] struct {
	cache cache.Cache[T]
	locks Locker
	group singleflight.Group
	settings
}

// New returns a Coordinator reading through c and locking with locks.
func New[T any](c cache.Cache[T], locks Locker, opts ...Option) *Coordinator[T] {
	return &Coordinator[T]{cache: c, locks: locks, settings: newSettings(opts)}
}

func (c *Coordinator[T]) startSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, "Coordinator.GetOrLoad", trace.WithAttributes(attribute.String("redlock.cache.key", key)))
}

// read treats cache errors as misses.
func (c *Coordinator[T]) read(ctx context.Context, key string) (T, bool) {
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("redlock: cache read failed, treating as miss", "key", key, "error", err)
		var zero T
		return zero, false
	}
	return v, ok
}

// GetOrLoad returns the cached value for key, or loads it, stores it for ttl
// and returns it. Loader errors are returned unchanged and never cached.
//
// Concurrent callers in this process share one fill; the fill takes the
// cluster lock on key, checks the cache again and only then calls loader.
// When the lock cannot be obtained the loader is called directly and the
// result is not cached.
func (c *Coordinator[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader[T]) (T, error) {
	ctx, span := c.startSpan(ctx, key)
	defer span.End()

	if v, ok := c.read(ctx, key); ok {
		metrics.CacheLookupCounter.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.String("redlock.cache.result", "hit"))
		return v, nil
	}

	// The shared fill must not fail for every waiter because the first
	// caller went away.
	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fill(fillCtx, key, ttl, loader)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			var zero T
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Coordinator[T]) fill(ctx context.Context, key string, ttl time.Duration, loader Loader[T]) (T, error) {
	var (
		val T
		ran bool
	)
	err := c.locks.Using(ctx, []string{key}, c.lockTTL, func(lctx context.Context) error {
		ran = true
		if v, ok := c.read(lctx, key); ok {
			metrics.CacheLookupCounter.WithLabelValues("late_hit").Inc()
			val = v
			return nil
		}
		metrics.CacheLookupCounter.WithLabelValues("miss").Inc()
		metrics.LoaderCounter.Inc()
		v, err := loader(lctx)
		if err != nil {
			return loadError{err: err}
		}
		val = v
		if err := c.cache.Set(lctx, key, v, ttl); err != nil {
			c.logger.Warn("redlock: cache write failed", "key", key, "error", err)
		}
		return nil
	})

	var le loadError
	switch {
	case err == nil:
		return val, nil
	case errors.As(err, &le):
		return val, le.err
	case ran:
		// The value was produced under the lease; only the release or a
		// late extension failed.
		c.logger.Warn("redlock: lease ended abnormally after fill", "key", key, "error", err)
		return val, nil
	}
	return c.degraded(ctx, key, err, loader)
}

func (c *Coordinator[T]) degraded(ctx context.Context, key string, cause error, loader Loader[T]) (T, error) {
	metrics.DegradedCounter.Inc()
	metrics.LoaderCounter.Inc()
	c.logger.Warn("redlock: lock unavailable, loading without stampede protection", "key", key, "error", cause)
	if c.onDegraded != nil {
		c.onDegraded(ctx, key, cause)
	}
	return loader(ctx)
}

// Invalidate removes key from the cache. Writers call it after changing
// the system of record.
func (c *Coordinator[T]) Invalidate(ctx context.Context, key string) error {
	return c.cache.Invalidate(ctx, key)
}
