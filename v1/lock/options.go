package lock

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"

	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// Defaults used by New when no option overrides them.
const (
	// DefaultDriftFactor reserves 1% of the TTL for clock drift.
	DefaultDriftFactor = 0.01
	// DefaultRetryCount is the number of rounds after the first one.
	DefaultRetryCount = 10
	// DefaultRetryDelay is the minimum wait between rounds.
	DefaultRetryDelay = 200 * time.Millisecond
	// DefaultRetryJitter is the maximum random wait added to DefaultRetryDelay.
	DefaultRetryJitter = 200 * time.Millisecond
	// DefaultAutomaticExtensionThreshold is the remaining validity below
	// which Using extends a lease.
	DefaultAutomaticExtensionThreshold = 500 * time.Millisecond
	// DefaultNodeTimeout bounds a single node call.
	DefaultNodeTimeout = 50 * time.Millisecond
	// DefaultKeyPrefix namespaces lock keys on the nodes.
	DefaultKeyPrefix = "lock:"

	// roundTripPadding covers the time between the last node reply and the
	// validity check.
	roundTripPadding = 2 * time.Millisecond
)

// Options holds the tunables of a Manager.
type Options struct {
	// DriftFactor is the fraction of the TTL reserved for clock drift
	// between nodes.
	DriftFactor float64
	// RetryCount is the number of additional rounds after the first one.
	// -1 retries until the context ends.
	RetryCount int
	// RetryDelay and RetryJitter bound the wait between rounds to
	// [RetryDelay, RetryDelay+RetryJitter].
	RetryDelay  time.Duration
	RetryJitter time.Duration
	// AutomaticExtensionThreshold is the remaining validity below which
	// Using extends the lease. Zero disables automatic extension.
	AutomaticExtensionThreshold time.Duration
	// NodeTimeout bounds every single node call. It should be much smaller
	// than any lock TTL.
	NodeTimeout time.Duration
	// KeyPrefix namespaces lock keys away from cache keys. It must not be
	// empty, since caches share the nodes and key the same resources.
	KeyPrefix string
	// Quorum overrides floor(N/2)+1 when positive.
	Quorum int
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		DriftFactor:                 DefaultDriftFactor,
		RetryCount:                  DefaultRetryCount,
		RetryDelay:                  DefaultRetryDelay,
		RetryJitter:                 DefaultRetryJitter,
		AutomaticExtensionThreshold: DefaultAutomaticExtensionThreshold,
		NodeTimeout:                 DefaultNodeTimeout,
		KeyPrefix:                   DefaultKeyPrefix,
	}
}

// Validate checks o against a node set of the given size.
func (o Options) Validate(nodes int) error {
	switch {
	case nodes < 1:
		return errors.Wrap(ErrConfiguration, "no nodes configured")
	case o.DriftFactor < 0 || o.DriftFactor >= 1:
		return errors.Wrapf(ErrConfiguration, "drift factor %v outside [0,1)", o.DriftFactor)
	case o.RetryCount < -1:
		return errors.Wrapf(ErrConfiguration, "retry count %d below -1", o.RetryCount)
	case o.RetryDelay < 0 || o.RetryJitter < 0:
		return errors.Wrap(ErrConfiguration, "negative retry delay or jitter")
	case o.AutomaticExtensionThreshold < 0:
		return errors.Wrap(ErrConfiguration, "negative automatic extension threshold")
	case o.NodeTimeout <= 0:
		return errors.Wrap(ErrConfiguration, "node timeout must be positive")
	case o.KeyPrefix == "":
		return errors.Wrap(ErrConfiguration, "empty key prefix")
	case o.Quorum < 0:
		return errors.Wrapf(ErrConfiguration, "quorum %d is negative", o.Quorum)
	}
	if o.Quorum > 0 {
		if o.Quorum > nodes {
			return errors.Wrapf(ErrConfiguration, "quorum %d exceeds %d configured nodes", o.Quorum, nodes)
		}
		if o.Quorum <= nodes/2 {
			return errors.Wrapf(ErrConfiguration, "quorum %d of %d nodes allows two holders", o.Quorum, nodes)
		}
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithOptions replaces all tunables at once.
func WithOptions(o Options) Option {
	return func(m *Manager) { m.opts = o }
}

// WithDriftFactor sets Options.DriftFactor.
func WithDriftFactor(f float64) Option {
	return func(m *Manager) { m.opts.DriftFactor = f }
}

// WithRetryCount sets Options.RetryCount.
func WithRetryCount(n int) Option {
	return func(m *Manager) { m.opts.RetryCount = n }
}

// WithRetryDelay sets Options.RetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.opts.RetryDelay = d }
}

// WithRetryJitter sets Options.RetryJitter.
func WithRetryJitter(d time.Duration) Option {
	return func(m *Manager) { m.opts.RetryJitter = d }
}

// WithAutomaticExtensionThreshold sets Options.AutomaticExtensionThreshold.
func WithAutomaticExtensionThreshold(d time.Duration) Option {
	return func(m *Manager) { m.opts.AutomaticExtensionThreshold = d }
}

// WithNodeTimeout sets Options.NodeTimeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opts.NodeTimeout = d }
}

// WithKeyPrefix sets Options.KeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(m *Manager) { m.opts.KeyPrefix = p }
}

// WithQuorum sets Options.Quorum.
func WithQuorum(q int) Option {
	return func(m *Manager) { m.opts.Quorum = q }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces the clock used for validity and extension timing.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithNotifier publishes release events on bus and wakes local waiters when
// another instance releases a resource they are retrying on.
func WithNotifier(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithTracing enables OpenTelemetry spans for lock operations.
func WithTracing() Option {
	return func(m *Manager) { m.traceEnabled = true }
}
