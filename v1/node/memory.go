package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory is a process-local Client. It is used in tests and single-process
// setups, and can be taken offline or slowed down to emulate partitions.
type InMemory struct {
	name  string
	clock clock.Clock

	mu        sync.Mutex
	items     map[string]memEntry
	available bool
	closed    bool
	latency   time.Duration
}

// InMemoryOption configures an InMemory node.
type InMemoryOption func(*InMemory)

// WithClock replaces the wall clock used for expiry.
func WithClock(c clock.Clock) InMemoryOption {
	return func(m *InMemory) {
		m.clock = c
	}
}

// NewInMemory returns an empty, reachable in-memory node.
func NewInMemory(name string, opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		name:      name,
		clock:     clock.New(),
		items:     make(map[string]memEntry),
		available: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAvailable toggles reachability. An unavailable node fails every call
// with ErrNodeUnavailable but keeps its data, like a partitioned server.
func (m *InMemory) SetAvailable(up bool) {
	m.mu.Lock()
	m.available = up
	m.mu.Unlock()
}

// SetLatency delays every call by d before it is served.
func (m *InMemory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Len returns the number of live keys.
func (m *InMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, e := range m.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Name implements Client.Name.
func (m *InMemory) Name() string { return m.name }

// enter waits out the configured latency and checks reachability. On success
// the node mutex is held and must be released by the caller.
func (m *InMemory) enter(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		t := m.clock.Timer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return rlerrors.ErrTimeout
			}
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return rlerrors.ErrTimeout
		}
		return err
	}
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return rlerrors.ErrConnectionClosed
	case !m.available:
		m.mu.Unlock()
		return rlerrors.ErrNodeUnavailable
	}
	return nil
}

// lookup returns the live entry for key, dropping it when expired.
// Caller holds m.mu.
func (m *InMemory) lookup(key string) (memEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(m.clock.Now()) {
		delete(m.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *InMemory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// SetIfAbsent implements Client.SetIfAbsent.
func (m *InMemory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.items[key] = memEntry{value: []byte(value), expiresAt: m.expiry(ttl)}
	return true, nil
}

// CompareAndDelete implements Client.CompareAndDelete.
func (m *InMemory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || string(e.value) != expected {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

// CompareAndSetTTL implements Client.CompareAndSetTTL.
func (m *InMemory) CompareAndSetTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || string(e.value) != expected {
		return false, nil
	}
	e.expiresAt = m.expiry(ttl)
	m.items[key] = e
	return true, nil
}

// Get implements Client.Get.
func (m *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.enter(ctx); err != nil {
		return nil, false, err
	}
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements Client.Set.
func (m *InMemory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	data := make([]byte, len(value))
	copy(data, value)
	m.items[key] = memEntry{value: data, expiresAt: m.expiry(ttl)}
	return nil
}

// Delete implements Client.Delete.
func (m *InMemory) Delete(ctx context.Context, key string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// TTL implements Client.TTL.
func (m *InMemory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := m.enter(ctx); err != nil {
		return 0, false, err
	}
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return e.expiresAt.Sub(m.clock.Now()), true, nil
}

// Ping implements Client.Ping.
func (m *InMemory) Ping(ctx context.Context) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

// Close implements Client.Close. Further calls fail with ErrConnectionClosed.
func (m *InMemory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = make(map[string]memEntry)
	m.mu.Unlock()
	return nil
}
