// Package presets wires nodes, the lock manager, release notifications and
// caches together for the common deployments.
package presets

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/bobg/errors"
	"github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-redlock/v1/cache"
	"github.com/mirkobrombin/go-redlock/v1/core"
	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// RedisQuorumOptions configures a quorum of independent Redis nodes.
type RedisQuorumOptions struct {
	// Endpoints lists host:port addresses, one per independent node.
	Endpoints []string
	Password  string
	DB        int
	// Lock holds the manager tunables. Zero fields take the defaults.
	Lock lock.Options
	// BreakerThreshold wraps every node in a circuit breaker that opens
	// after that many consecutive failures. Zero disables breakers.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// NATSURL selects NATS for release notifications instead of Redis
	// pub/sub on the first node.
	NATSURL string
	// DisableNotifications turns release notifications off.
	DisableNotifications bool
	Logger               *slog.Logger
	Tracing              bool
}

// Quorum is a ready lock manager with the resources it owns.
type Quorum struct {
	Nodes *node.Set
	Locks *lock.Manager
	Bus   syncbus.Bus

	closers []func() error
}

// Close releases every connection the quorum opened.
func (q *Quorum) Close() error {
	var first error
	for i := len(q.closers) - 1; i >= 0; i-- {
		if err := q.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CacheNode returns the node that holds cached values.
func (q *Quorum) CacheNode() node.Client { return q.Nodes.Node(0) }

func withDefaults(o lock.Options) lock.Options {
	d := lock.DefaultOptions()
	if o.DriftFactor == 0 {
		o.DriftFactor = d.DriftFactor
	}
	if o.RetryCount == 0 {
		o.RetryCount = d.RetryCount
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.RetryJitter == 0 {
		o.RetryJitter = d.RetryJitter
	}
	if o.AutomaticExtensionThreshold == 0 {
		o.AutomaticExtensionThreshold = d.AutomaticExtensionThreshold
	}
	if o.NodeTimeout == 0 {
		o.NodeTimeout = d.NodeTimeout
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = d.KeyPrefix
	}
	return o
}

// NewRedisQuorum dials opts.Endpoints and builds a lock manager over them.
func NewRedisQuorum(opts RedisQuorumOptions) (*Quorum, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.Wrap(lock.ErrConfiguration, "no endpoints")
	}
	lo := withDefaults(opts.Lock)
	q := &Quorum{}

	raw := make([]*node.Redis, 0, len(opts.Endpoints))
	clients := make([]node.Client, 0, len(opts.Endpoints))
	for _, ep := range opts.Endpoints {
		if err := checkEndpoint(ep); err != nil {
			_ = q.Close()
			return nil, err
		}
		r := node.DialRedis(ep, node.WithTimeout(lo.NodeTimeout), node.WithPassword(opts.Password), node.WithDB(opts.DB))
		raw = append(raw, r)
		q.closers = append(q.closers, r.Close)
		var c node.Client = r
		if opts.BreakerThreshold > 0 {
			c = node.NewBreaker(r, opts.BreakerThreshold, opts.BreakerCooldown)
		}
		clients = append(clients, c)
	}
	set, err := node.NewSet(clients...)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	q.Nodes = set

	if !opts.DisableNotifications {
		if opts.NATSURL != "" {
			conn, err := nats.Connect(opts.NATSURL)
			if err != nil {
				_ = q.Close()
				return nil, errors.Wrapf(err, "connecting to nats at %s", opts.NATSURL)
			}
			q.closers = append(q.closers, func() error { conn.Close(); return nil })
			q.Bus = syncbus.NewNATSBus(conn)
		} else {
			bus := syncbus.NewRedisBus(raw[0].Unwrap())
			q.closers = append(q.closers, bus.Close)
			q.Bus = bus
		}
	}

	if err := q.buildManager(lo, opts.Logger, opts.Tracing); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func checkEndpoint(ep string) error {
	if _, _, err := net.SplitHostPort(ep); err != nil {
		return errors.Wrapf(lock.ErrConfiguration, "endpoint %q: %v", ep, err)
	}
	return nil
}

// NewInMemoryQuorum builds a manager over n in-memory nodes with an
// in-process release notifier. It is meant for tests and local runs; the
// nodes are returned so callers can take them offline.
func NewInMemoryQuorum(n int, opts ...lock.Option) (*Quorum, []*node.InMemory, error) {
	if n < 1 {
		return nil, nil, errors.Wrap(lock.ErrConfiguration, "at least one node is required")
	}
	mem := make([]*node.InMemory, n)
	clients := make([]node.Client, n)
	for i := range mem {
		mem[i] = node.NewInMemory("mem-" + strconv.Itoa(i+1))
		clients[i] = mem[i]
	}
	set, err := node.NewSet(clients...)
	if err != nil {
		return nil, nil, err
	}
	bus := syncbus.NewInMemoryBus()
	m, err := lock.New(set, append([]lock.Option{lock.WithNotifier(bus)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return &Quorum{Nodes: set, Locks: m, Bus: bus, closers: []func() error{set.Close}}, mem, nil
}

func (q *Quorum) buildManager(o lock.Options, logger *slog.Logger, tracing bool) error {
	mopts := []lock.Option{lock.WithOptions(o)}
	if logger != nil {
		mopts = append(mopts, lock.WithLogger(logger))
	}
	if q.Bus != nil {
		mopts = append(mopts, lock.WithNotifier(q.Bus))
	}
	if tracing {
		mopts = append(mopts, lock.WithTracing())
	}
	m, err := lock.New(q.Nodes, mopts...)
	if err != nil {
		return err
	}
	q.Locks = m
	return nil
}

// LocalCache selects the process-local tier in front of the cache node.
type LocalCache string

const (
	LocalNone      LocalCache = ""
	LocalInMemory  LocalCache = "memory"
	LocalRistretto LocalCache = "ristretto"
)

// CacheOptions configures how a Coordinator stores values.
type CacheOptions struct {
	// Codec encodes values on the cache node. Nil selects JSON.
	Codec cache.Codec
	// Local adds a process-local tier. Another instance's invalidation is
	// only seen here once the local copy expires.
	Local LocalCache
	// LocalTTL caps the lifetime of local copies. Zero selects
	// cache.DefaultLocalTTL.
	LocalTTL time.Duration
	Logger   *slog.Logger
}

// NewCoordinator returns a Coordinator caching T as JSON on the quorum's
// cache node. Cache failures are logged and read as misses.
func NewCoordinator[T any](q *Quorum, opts ...core.Option) *core.Coordinator[T] {
	c, _ := NewCachedCoordinator[T](q, CacheOptions{}, opts...)
	return c
}

// NewCachedCoordinator is NewCoordinator with a choice of codec and local
// tier. Local caches are closed by q.Close.
func NewCachedCoordinator[T any](q *Quorum, co CacheOptions, opts ...core.Option) (*core.Coordinator[T], error) {
	logger := co.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var shared cache.Cache[T] = cache.NewResilient[T](
		cache.NewNode[T](q.CacheNode(), cache.WithCodec[T](co.Codec)),
		cache.WithLogger[T](logger))

	var local cache.Cache[T]
	switch co.Local {
	case LocalNone:
		return core.New[T](shared, q.Locks, opts...), nil
	case LocalInMemory:
		mc := cache.NewInMemory[T]()
		q.closers = append(q.closers, func() error { mc.Close(); return nil })
		local = mc
	case LocalRistretto:
		rc, err := cache.NewRistretto[T]()
		if err != nil {
			return nil, err
		}
		q.closers = append(q.closers, func() error { rc.Close(); return nil })
		local = rc
	default:
		return nil, errors.Wrapf(lock.ErrConfiguration, "unknown local cache %q", co.Local)
	}
	return core.New[T](cache.NewTiered[T](local, shared, cache.WithLocalTTL[T](co.LocalTTL)), q.Locks, opts...), nil
}

// NewMutex returns a Mutex over the quorum's lock manager.
func NewMutex(q *Quorum, opts ...core.Option) *core.Mutex {
	return core.NewMutex(q.Locks, opts...)
}
