package node

import (
	"context"
	"time"

	"github.com/bobg/errors"
	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

const defaultRedisOpTimeout = 50 * time.Millisecond

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Client on top of a single Redis server.
type Redis struct {
	client  *redis.Client
	name    string
	timeout time.Duration
}

// RedisOption configures a Redis node.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout  time.Duration
	password string
	db       int
}

// WithTimeout sets the per-call timeout. It should be much smaller than any
// lock TTL used against the node.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithPassword sets the password used by Dial.
func WithPassword(p string) RedisOption {
	return func(o *redisOptions) {
		o.password = p
	}
}

// WithDB selects the logical database used by Dial.
func WithDB(db int) RedisOption {
	return func(o *redisOptions) {
		o.db = db
	}
}

func buildRedisOptions(opts []RedisOption) redisOptions {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultRedisOpTimeout
	}
	return o
}

// NewRedis wraps an existing go-redis client. Password and DB options are
// ignored because the client is already configured.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := buildRedisOptions(opts)
	return &Redis{client: client, name: client.Options().Addr, timeout: o.timeout}
}

// DialRedis creates a client for addr. Connections are opened lazily.
func DialRedis(addr string, opts ...RedisOption) *Redis {
	o := buildRedisOptions(opts)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: o.password,
		DB:       o.db,
		// The lock manager does its own retrying across the whole set.
		MaxRetries: -1,
	})
	return &Redis{client: client, name: addr, timeout: o.timeout}
}

// Name implements Client.Name.
func (r *Redis) Name() string { return r.name }

// Unwrap returns the underlying go-redis client.
func (r *Redis) Unwrap() *redis.Client { return r.client }

func (r *Redis) call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return mapRedisErr(fn(cctx))
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return rlerrors.ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, redis.ErrClosed):
		return rlerrors.ErrConnectionClosed
	default:
		return errors.Wrapf(rlerrors.ErrNodeUnavailable, "%v", err)
	}
}

// SetIfAbsent implements Client.SetIfAbsent using SET NX PX.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.call(ctx, func(cctx context.Context) error {
		var err error
		ok, err = r.client.SetNX(cctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// CompareAndDelete implements Client.CompareAndDelete.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var n int64
	err := r.call(ctx, func(cctx context.Context) error {
		var err error
		n, err = compareAndDeleteScript.Run(cctx, r.client, []string{key}, expected).Int64()
		if err == redis.Nil {
			return nil
		}
		return err
	})
	return n == 1, err
}

// CompareAndSetTTL implements Client.CompareAndSetTTL.
func (r *Redis) CompareAndSetTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var n int64
	err := r.call(ctx, func(cctx context.Context) error {
		var err error
		n, err = compareAndExpireScript.Run(cctx, r.client, []string{key}, expected, ttl.Milliseconds()).Int64()
		if err == redis.Nil {
			return nil
		}
		return err
	})
	return n == 1, err
}

// Get implements Client.Get.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := r.call(ctx, func(cctx context.Context) error {
		var err error
		data, err = r.client.Get(cctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		found = err == nil
		return err
	})
	return data, found, err
}

// Set implements Client.Set.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.call(ctx, func(cctx context.Context) error {
		return r.client.Set(cctx, key, value, ttl).Err()
	})
}

// Delete implements Client.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.call(ctx, func(cctx context.Context) error {
		return r.client.Del(cctx, key).Err()
	})
}

// TTL implements Client.TTL using PTTL.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var d time.Duration
	err := r.call(ctx, func(cctx context.Context) error {
		var err error
		d, err = r.client.PTTL(cctx, key).Result()
		return err
	})
	if err != nil {
		return 0, false, err
	}
	// go-redis reports PTTL's -2 (missing) and -1 (persistent) verbatim.
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	}
	return d, true, nil
}

// Ping implements Client.Ping.
func (r *Redis) Ping(ctx context.Context) error {
	return r.call(ctx, func(cctx context.Context) error {
		return r.client.Ping(cctx).Err()
	})
}

// Close implements Client.Close.
func (r *Redis) Close() error {
	return r.client.Close()
}
