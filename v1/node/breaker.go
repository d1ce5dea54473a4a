package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

// ErrCircuitOpen is returned without contacting the node while its breaker
// is open. It matches ErrNodeUnavailable under errors.Is.
var ErrCircuitOpen = errors.Wrap(rlerrors.ErrNodeUnavailable, "circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Client with circuit breaker logic. After threshold
// consecutive failures the node is skipped for cooldown, then a single probe
// call decides whether it is back.
type Breaker struct {
	Client

	clock     clock.Clock
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewBreaker wraps c. A non-positive threshold defaults to 3 failures.
func NewBreaker(c Client, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{Client: c, clock: clock.New(), threshold: threshold, cooldown: cooldown}
}

// Healthy reports whether calls currently reach the node.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return b.clock.Since(b.lastFail) > b.cooldown
	}
	return true
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clock.Since(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
	// half-open: one probe is already in flight
	return false
}

func (b *Breaker) record(err error) {
	// Cancellation by the caller says nothing about the node.
	if err != nil && errors.Is(err, context.Canceled) {
		b.mu.Lock()
		if b.state == stateHalfOpen {
			b.state = stateOpen
		}
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.lastFail = b.clock.Now()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

// SetIfAbsent implements Client.SetIfAbsent.
func (b *Breaker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.Client.SetIfAbsent(ctx, key, value, ttl)
	b.record(err)
	return ok, err
}

// CompareAndDelete implements Client.CompareAndDelete.
func (b *Breaker) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.Client.CompareAndDelete(ctx, key, expected)
	b.record(err)
	return ok, err
}

// CompareAndSetTTL implements Client.CompareAndSetTTL.
func (b *Breaker) CompareAndSetTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.Client.CompareAndSetTTL(ctx, key, expected, ttl)
	b.record(err)
	return ok, err
}

// Get implements Client.Get.
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !b.allow() {
		return nil, false, ErrCircuitOpen
	}
	v, ok, err := b.Client.Get(ctx, key)
	b.record(err)
	return v, ok, err
}

// Set implements Client.Set.
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.Client.Set(ctx, key, value, ttl)
	b.record(err)
	return err
}

// Delete implements Client.Delete.
func (b *Breaker) Delete(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.Client.Delete(ctx, key)
	b.record(err)
	return err
}

// TTL implements Client.TTL.
func (b *Breaker) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if !b.allow() {
		return 0, false, ErrCircuitOpen
	}
	d, ok, err := b.Client.TTL(ctx, key)
	b.record(err)
	return d, ok, err
}

// Ping implements Client.Ping. Pings always reach the node so that a health
// check can close an open breaker early.
func (b *Breaker) Ping(ctx context.Context) error {
	err := b.Client.Ping(ctx)
	b.record(err)
	return err
}
