// Package node provides the key-value node clients the lock manager votes
// with. A Set is a fixed, ordered collection of independent nodes with no
// replication between them; each node may fail on its own and its liveness
// is learned from the outcome of real calls.
package node

import (
	"context"
	"time"
)

// Client is a connection to a single key-value node.
//
// Every call is bounded by a per-call timeout owned by the implementation,
// so a slow or partitioned node cannot stall a caller for longer than that.
type Client interface {
	// Name identifies the node in logs and metrics (usually host:port).
	Name() string
	// SetIfAbsent stores value under key with the given TTL only if the key
	// does not exist. It reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSetTTL resets the TTL of key only if it currently holds
	// expected.
	CompareAndSetTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	// Get returns the raw value stored under key. The boolean reports
	// whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A non-positive ttl stores it without
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of key. The boolean is false when
	// the key does not exist; a zero duration means no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Ping(ctx context.Context) error
	Close() error
}
