package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mutex runs critical sections under a cluster-wide lease. It adds nothing
// to the lease itself: sections longer than the TTL rely on the Locker's
// automatic extension.
type Mutex struct {
	locks Locker
	settings
}

// NewMutex returns a Mutex backed by locks.
func NewMutex(locks Locker, opts ...Option) *Mutex {
	return &Mutex{locks: locks, settings: newSettings(opts)}
}

// Do runs fn exactly once while holding resources for ttl. Errors from fn
// are returned unchanged.
func (m *Mutex) Do(ctx context.Context, resources []string, ttl time.Duration, fn func(context.Context) error) error {
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Mutex.Do", trace.WithAttributes(attribute.StringSlice("redlock.resources", resources)))
		defer span.End()
	}
	err := m.locks.Using(ctx, resources, ttl, fn)
	if err != nil {
		m.logger.Debug("redlock: critical section failed", "resources", resources, "error", err)
	}
	return err
}

// WithLock runs fn under mx and returns its result.
func WithLock[T any](ctx context.Context, mx *Mutex, resources []string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := mx.Do(ctx, resources, ttl, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
