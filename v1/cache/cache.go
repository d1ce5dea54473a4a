package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/cache")

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found. An error is returned if
	// retrieving the value fails.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is a process-local cache with TTL support and optional LRU
// bound. It is meant for tests and single-instance deployments.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	clock         clock.Clock
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	maxEntries    int

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

func (it item[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// A non-positive value means the cache size is unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithClock replaces the clock used for expiry.
func WithClock[T any](clk clock.Clock) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.clock = clk
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlock_local_cache_hits_total",
			Help: "Total number of local cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlock_local_cache_misses_total",
			Help: "Total number of local cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlock_local_cache_evictions_total",
			Help: "Total number of local cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache. Unless disabled through
// WithSweepInterval, a background goroutine removes expired items once a
// minute; call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		clock:         clock.New(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

func (c *InMemoryCache[T]) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("redlock.cache.key", key)))
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span := c.span(ctx, "Cache.Get", key)
	defer span.End()
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	c.mu.Lock()
	it, ok := c.items[key]
	if ok && it.expired(c.clock.Now()) {
		c.order.Remove(it.element)
		delete(c.items, key)
		inc(c.evictionCounter)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		inc(c.missCounter)
		span.SetAttributes(attribute.String("redlock.cache.result", "miss"))
		return zero, false, nil
	}
	c.order.MoveToFront(it.element)
	c.mu.Unlock()

	c.hits.Add(1)
	inc(c.hitCounter)
	span.SetAttributes(attribute.String("redlock.cache.result", "hit"))
	return it.value, true, nil
}

// Set implements Cache.Set. A non-positive ttl stores the value without
// expiry.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, span := c.span(ctx, "Cache.Set", key)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.items, tail.Value.(string))
			inc(c.evictionCounter)
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, span := c.span(ctx, "Cache.Invalidate", key)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.order.Remove(it.element)
		delete(c.items, key)
	}
	return nil
}

// TTL returns the remaining lifetime of key. The boolean is false when the
// key is absent; a zero duration with true means no expiry.
func (c *InMemoryCache[T]) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[key]
	now := c.clock.Now()
	if !ok || it.expired(now) {
		return 0, false, nil
	}
	if it.expiresAt.IsZero() {
		return 0, true, nil
	}
	return it.expiresAt.Sub(now), true, nil
}

// sweeper samples entries on every tick and keeps sweeping while more than a
// quarter of a sample turns out expired.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)
	for {
		select {
		case <-ticker.C:
			for c.sweepSample(sampleSize) >= int(sampleSize*evictionRatio) {
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *InMemoryCache[T]) sweepSample(n int) int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	checked, expired := 0, 0
	for k, it := range c.items {
		checked++
		if it.expired(now) {
			c.order.Remove(it.element)
			delete(c.items, k)
			inc(c.evictionCounter)
			expired++
		}
		if checked >= n {
			break
		}
	}
	return expired
}

// Close terminates the sweeper and drops all entries.
func (c *InMemoryCache[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
