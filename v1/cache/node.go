package cache

import (
	"context"
	"time"

	"github.com/bobg/errors"

	"github.com/mirkobrombin/go-redlock/v1/node"
)

// NodeCache stores encoded values on a single node. It does no quorum work:
// cached data is advisory and any node will do.
type NodeCache[T any] struct {
	client node.Client
	codec  Codec
}

// NodeOption configures a NodeCache.
type NodeOption[T any] func(*NodeCache[T])

// WithCodec sets the codec. JSONCodec is the default.
func WithCodec[T any](codec Codec) NodeOption[T] {
	return func(c *NodeCache[T]) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// NewNode returns a cache backed by client.
func NewNode[T any](client node.Client, opts ...NodeOption[T]) *NodeCache[T] {
	c := &NodeCache[T]{client: client, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements Cache.Get. A stored value that cannot be decoded is
// reported as an error, not as a miss.
func (c *NodeCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, ok, err := c.client.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, errors.Wrapf(err, "decoding %s", key)
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *NodeCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	return c.client.Set(ctx, key, data, ttl)
}

// Invalidate implements Cache.Invalidate.
func (c *NodeCache[T]) Invalidate(ctx context.Context, key string) error {
	return c.client.Delete(ctx, key)
}

// TTL returns the remaining lifetime of key on the node.
func (c *NodeCache[T]) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return c.client.TTL(ctx, key)
}
