package core

import (
	"context"
	"log/slog"
	"time"
)

// DefaultLockTTL bounds how long a cache fill may hold its lock. It must
// exceed the worst-case loader latency.
const DefaultLockTTL = 5 * time.Second

// DegradedHook is called whenever a lookup bypasses stampede protection.
type DegradedHook func(ctx context.Context, key string, cause error)

type settings struct {
	lockTTL      time.Duration
	logger       *slog.Logger
	onDegraded   DegradedHook
	traceEnabled bool
}

func newSettings(opts []Option) settings {
	s := settings{lockTTL: DefaultLockTTL}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Option configures a Coordinator or a Mutex.
type Option func(*settings)

// WithLockTTL sets the TTL of the lock taken around a cache fill.
func WithLockTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithDegradedHook registers fn to observe lookups served without the lock.
func WithDegradedHook(fn DegradedHook) Option {
	return func(s *settings) { s.onDegraded = fn }
}

// WithTracing enables OpenTelemetry spans.
func WithTracing() Option {
	return func(s *settings) { s.traceEnabled = true }
}
