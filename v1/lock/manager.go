package lock

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"
	"github.com/bobg/retry"
	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/lock")

var (
	// ErrLockNotAcquired is returned when no quorum was reached within the
	// retry budget. Callers may retry later or fall back.
	ErrLockNotAcquired = errors.New("lock: not acquired")
	// ErrLeaseLost is returned when a lease can no longer be extended.
	ErrLeaseLost = errors.New("lock: lease lost")
	// ErrConfiguration is returned by New for unusable settings.
	ErrConfiguration = errors.New("lock: invalid configuration")
	// ErrInvalidLease is returned for nil leases and empty resource lists.
	ErrInvalidLease = errors.New("lock: invalid lease")
	// ErrInvalidTTL is returned for non-positive TTLs.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// errBudget stops the retry loop once RetryCount extra rounds have run.
var errBudget = errors.New("lock: retry budget exhausted")

// IsRetryable reports whether err is a contention failure that maps to a
// conflict-class response rather than a server error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotAcquired)
}

// Manager acquires, extends and releases leases over a node set. It is safe
// for concurrent use.
type Manager struct {
	nodes        []node.Client
	quorum       int
	opts         Options
	clock        clock.Clock
	logger       *slog.Logger
	bus          syncbus.Bus
	traceEnabled bool
	owner        string
}

// New returns a Manager voting over set. It fails with ErrConfiguration when
// the options are inconsistent with the number of nodes.
func New(set *node.Set, opts ...Option) (*Manager, error) {
	if set == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil node set")
	}
	m := &Manager{
		nodes: set.Nodes(),
		opts:  DefaultOptions(),
		clock: clock.New(),
		owner: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.opts.Validate(len(m.nodes)); err != nil {
		return nil, err
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.quorum = len(m.nodes)/2 + 1
	if m.opts.Quorum > 0 {
		m.quorum = m.opts.Quorum
	}
	m.logger = m.logger.With("component", "redlock", "owner", m.owner)
	return m, nil
}

// Quorum returns the number of votes a lease needs.
func (m *Manager) Quorum() int { return m.quorum }

// Options returns the active tunables.
func (m *Manager) Options() Options { return m.opts }

func (m *Manager) keys(resources []string) ([]string, error) {
	if len(resources) == 0 {
		return nil, errors.Wrap(ErrInvalidLease, "no resources")
	}
	keys := make([]string, 0, len(resources))
	for _, r := range resources {
		if r == "" {
			return nil, errors.Wrap(ErrInvalidLease, "empty resource name")
		}
		k := m.opts.KeyPrefix + r
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var noopSpan = trace.SpanFromContext(context.Background())

func (m *Manager) startSpan(ctx context.Context, name string, keys []string) (context.Context, trace.Span) {
	if !m.traceEnabled {
		return ctx, noopSpan
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.StringSlice("redlock.resources", keys)))
}

// round runs op against every node in parallel, each call bounded by
// NodeTimeout. It returns the indices of nodes that voted yes and of nodes
// whose answer is unknown because the call failed.
func (m *Manager) round(ctx context.Context, name string, op func(context.Context, node.Client) (bool, error)) (voters, unsure []int) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for i, n := range m.nodes {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.opts.NodeTimeout)
			ok, err := op(cctx, n)
			cancel()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				unsure = append(unsure, i)
				metrics.NodeErrorCounter.WithLabelValues(n.Name(), name).Inc()
				m.logger.Debug("redlock: node call failed", "node", n.Name(), "op", name, "error", err)
			case ok:
				voters = append(voters, i)
			}
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(voters)
	slices.Sort(unsure)
	return voters, unsure
}

// grant turns a finished round into a lease, or nil when the round did not
// reach quorum inside the validity window.
func (m *Manager) grant(start time.Time, ttl time.Duration, keys []string, token string, voters []int) *Lease {
	drift := time.Duration(float64(ttl)*m.opts.DriftFactor) + roundTripPadding
	expiresAt := start.Add(ttl - drift)
	if len(voters) < m.quorum || !m.clock.Now().Before(expiresAt) {
		return nil
	}
	return &Lease{resources: keys, token: token, expiresAt: expiresAt, voters: voters, ttl: ttl}
}

// lockNode writes token under every key on n. A node only votes when it
// accepted all keys; partial writes are rolled back on that node.
func (m *Manager) lockNode(ctx context.Context, n node.Client, keys []string, token string, ttl time.Duration) (bool, error) {
	for i, k := range keys {
		ok, err := n.SetIfAbsent(ctx, k, token, ttl)
		if err != nil || !ok {
			if i > 0 {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.NodeTimeout)
				for _, prev := range keys[:i] {
					_, _ = n.CompareAndDelete(rctx, prev, token)
				}
				cancel()
			}
			return false, err
		}
	}
	return true, nil
}

// unlockNodes deletes token-matching copies on the given nodes. It is used
// after failed rounds and never touches keys held by another token.
func (m *Manager) unlockNodes(ctx context.Context, keys []string, token string, idx []int) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, i := range idx {
		n := m.nodes[i]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.opts.NodeTimeout)
			defer cancel()
			for _, k := range keys {
				if _, err := n.CompareAndDelete(cctx, k, token); err != nil {
					metrics.NodeErrorCounter.WithLabelValues(n.Name(), "cleanup").Inc()
					m.logger.Debug("redlock: cleanup failed", "node", n.Name(), "key", k, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// attempt runs one acquisition round with a fresh fencing token.
func (m *Manager) attempt(ctx context.Context, keys []string, ttl time.Duration) (*Lease, error) {
	token, err := hcuuid.GenerateUUID()
	if err != nil {
		return nil, errors.Wrap(err, "generating fencing token")
	}
	start := m.clock.Now()
	voters, unsure := m.round(ctx, "acquire", func(cctx context.Context, n node.Client) (bool, error) {
		return m.lockNode(cctx, n, keys, token, ttl)
	})
	if lease := m.grant(start, ttl, keys, token, voters); lease != nil {
		return lease, nil
	}
	// Nodes that errored may have applied the write before the reply was
	// lost, so they are cleaned up together with the voters.
	m.unlockNodes(ctx, keys, token, append(voters, unsure...))
	return nil, errors.Wrapf(ErrLockNotAcquired, "%d of %d votes, quorum %d", len(voters), len(m.nodes), m.quorum)
}

// Acquire obtains a lease on every resource for ttl. It retries up to
// RetryCount times and then fails with ErrLockNotAcquired. Cancellation of
// ctx stops retrying; the returned error then matches both
// ErrLockNotAcquired and the context error.
func (m *Manager) Acquire(ctx context.Context, resources []string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	keys, err := m.keys(resources)
	if err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "Lock.Acquire", keys)
	defer span.End()

	after, stop := m.waiter(ctx, keys[0])
	defer stop()

	maxTries := -1
	if m.opts.RetryCount >= 0 {
		maxTries = m.opts.RetryCount + 1
	}
	var (
		lease    *Lease
		attempts int
	)
	tr := retry.Tryer{
		Max:         maxTries,
		Delay:       m.opts.RetryDelay + m.opts.RetryJitter/2,
		Jitter:      m.opts.RetryJitter / 2,
		IsRetryable: func(e error) bool { return errors.Is(e, ErrLockNotAcquired) },
		After:       after,
	}
	err = tr.Try(ctx, func(int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if maxTries > 0 && attempts >= maxTries {
			return errBudget
		}
		attempts++
		l, err := m.attempt(ctx, keys, ttl)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	metrics.AcquireAttempts.Observe(float64(attempts))
	span.SetAttributes(attribute.Int("redlock.attempts", attempts))

	if lease != nil {
		metrics.AcquireCounter.WithLabelValues("acquired").Inc()
		span.SetAttributes(attribute.Int("redlock.votes", len(lease.voters)))
		m.logger.Debug("redlock: lease acquired", "resources", keys, "attempts", attempts,
			"votes", len(lease.voters), "validity", lease.Remaining(m.clock.Now()))
		return lease, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		metrics.AcquireCounter.WithLabelValues("cancelled").Inc()
		return nil, errors.Errorf("%w: %w", ErrLockNotAcquired, cerr)
	}
	if err != nil && !errors.Is(err, ErrLockNotAcquired) && !errors.Is(err, errBudget) {
		// token generation failed
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.AcquireCounter.WithLabelValues("not_acquired").Inc()
	m.logger.Warn("redlock: quorum not reached", "resources", keys, "attempts", attempts)
	return nil, errors.Wrapf(ErrLockNotAcquired, "%v after %d attempts", resources, attempts)
}

// waiter returns the sleep function used between rounds. With a notifier it
// also returns early when a release of key is announced.
func (m *Manager) waiter(ctx context.Context, key string) (func(time.Duration) <-chan time.Time, func()) {
	if m.bus == nil {
		return m.clock.After, func() {}
	}
	subCtx, cancel := context.WithCancel(ctx)
	topic := "unlock:" + key
	sub, err := m.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		m.logger.Debug("redlock: release notifications unavailable", "key", key, "error", err)
		return m.clock.After, func() {}
	}
	after := func(d time.Duration) <-chan time.Time {
		out := make(chan time.Time, 1)
		t := m.clock.Timer(d)
		go func() {
			defer t.Stop()
			select {
			case now := <-t.C:
				out <- now
			case _, ok := <-sub:
				if ok {
					out <- m.clock.Now()
					return
				}
				select {
				case now := <-t.C:
					out <- now
				case <-subCtx.Done():
					out <- m.clock.Now()
				}
			case <-subCtx.Done():
				out <- m.clock.Now()
			}
		}()
		return out
	}
	stop := func() {
		cancel()
		_ = m.bus.Unsubscribe(context.Background(), topic, sub)
	}
	return after, stop
}

// Extend refreshes every copy of lease to ttl and returns the new lease.
// When the refreshed copies no longer form a quorum inside the validity
// window, the remaining copies are deleted and ErrLeaseLost is returned.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if lease == nil {
		return nil, ErrInvalidLease
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	ctx, span := m.startSpan(ctx, "Lock.Extend", lease.resources)
	defer span.End()

	start := m.clock.Now()
	voters, _ := m.round(ctx, "extend", func(cctx context.Context, n node.Client) (bool, error) {
		for _, k := range lease.resources {
			ok, err := n.CompareAndSetTTL(cctx, k, lease.token, ttl)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
	span.SetAttributes(attribute.Int("redlock.votes", len(voters)))
	next := m.grant(start, ttl, lease.resources, lease.token, voters)
	if next == nil {
		metrics.ExtendCounter.WithLabelValues("lost").Inc()
		m.unlockNodes(ctx, lease.resources, lease.token, allIndices(len(m.nodes)))
		m.logger.Warn("redlock: lease extension failed", "resources", lease.resources, "votes", len(voters))
		return nil, errors.Wrapf(ErrLeaseLost, "%d of %d votes, quorum %d", len(voters), len(m.nodes), m.quorum)
	}
	metrics.ExtendCounter.WithLabelValues("extended").Inc()
	return next, nil
}

// Release deletes the lease's copies on every reachable node. Unreachable
// nodes are skipped; their copies expire with the TTL. Releasing an expired
// or superseded lease is logged and ignored. Cancellation of ctx does not
// interrupt the release.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrInvalidLease
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := m.startSpan(ctx, "Lock.Release", lease.resources)
	defer span.End()

	voters, unsure := m.round(ctx, "release", func(cctx context.Context, n node.Client) (bool, error) {
		deleted := false
		for _, k := range lease.resources {
			ok, err := n.CompareAndDelete(cctx, k, lease.token)
			if err != nil {
				return deleted, err
			}
			deleted = deleted || ok
		}
		return deleted, nil
	})
	span.SetAttributes(attribute.Int("redlock.votes", len(voters)))
	if len(voters) == 0 {
		metrics.ReleaseCounter.WithLabelValues("expired").Inc()
		m.logger.Info("redlock: released lease was already expired", "resources", lease.resources, "unreachable", len(unsure))
	} else {
		metrics.ReleaseCounter.WithLabelValues("released").Inc()
	}
	if m.bus != nil {
		for _, k := range lease.resources {
			if err := m.bus.Publish(ctx, "unlock:"+k); err != nil {
				m.logger.Debug("redlock: release notification failed", "key", k, "error", err)
			}
		}
	}
	return nil
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
