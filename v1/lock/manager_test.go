package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

func newCluster(t *testing.T, n int, nodeOpts []node.InMemoryOption, opts ...Option) (*Manager, []*node.InMemory) {
	t.Helper()
	nodes := make([]*node.InMemory, n)
	clients := make([]node.Client, n)
	for i := range nodes {
		nodes[i] = node.NewInMemory("mem-"+string(rune('a'+i)), nodeOpts...)
		clients[i] = nodes[i]
	}
	set, err := node.NewSet(clients...)
	require.NoError(t, err)
	m, err := New(set, opts...)
	require.NoError(t, err)
	return m, nodes
}

func fastRetries() []Option {
	return []Option{WithRetryCount(2), WithRetryDelay(time.Millisecond), WithRetryJitter(time.Millisecond)}
}

func TestAcquireValidityWindow(t *testing.T) {
	mock := clock.NewMock()
	m, nodes := newCluster(t, 3, []node.InMemoryOption{node.WithClock(mock)}, WithClock(mock), WithRetryCount(0))

	ttl := 10 * time.Second
	lease, err := m.Acquire(context.Background(), []string{"seat:VN1:12A"}, ttl)
	require.NoError(t, err)

	drift := time.Duration(float64(ttl)*DefaultDriftFactor) + roundTripPadding
	assert.Equal(t, mock.Now().Add(ttl-drift), lease.Expiration())
	assert.Equal(t, ttl-drift, lease.Remaining(mock.Now()))
	assert.Equal(t, []int{0, 1, 2}, lease.Voters())
	assert.Equal(t, []string{"lock:seat:VN1:12A"}, lease.Resources())
	assert.NotEmpty(t, lease.Token())

	for _, n := range nodes {
		v, ok, err := n.Get(context.Background(), "lock:seat:VN1:12A")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lease.Token(), string(v))
	}

	mock.Add(ttl)
	assert.Zero(t, lease.Remaining(mock.Now()))
}

func TestAcquireWithOneNodeOffline(t *testing.T) {
	m, nodes := newCluster(t, 3, nil, WithRetryCount(0))
	nodes[2].SetAvailable(false)

	before := testutil.ToFloat64(metrics.NodeErrorCounter.WithLabelValues("mem-c", "acquire"))
	ttl := 5 * time.Second
	lease, err := m.Acquire(context.Background(), []string{"res"}, ttl)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, lease.Voters())

	drift := time.Duration(float64(ttl)*DefaultDriftFactor) + roundTripPadding
	assert.LessOrEqual(t, lease.Remaining(time.Now()), ttl-drift)
	assert.Positive(t, lease.Remaining(time.Now()))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NodeErrorCounter.WithLabelValues("mem-c", "acquire")))

	require.NoError(t, m.Release(context.Background(), lease))
	assert.Zero(t, nodes[0].Len())
	assert.Zero(t, nodes[1].Len())
}

func TestAcquireMinorityReachable(t *testing.T) {
	m, nodes := newCluster(t, 3, nil, fastRetries()...)
	nodes[1].SetAvailable(false)
	nodes[2].SetAvailable(false)

	_, err := m.Acquire(context.Background(), []string{"res"}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockNotAcquired))
	assert.True(t, IsRetryable(err))

	for _, n := range nodes {
		n.SetAvailable(true)
		assert.Zero(t, n.Len(), "residual key on %s", n.Name())
	}
}

func TestTwoRacersOneWinner(t *testing.T) {
	m, _ := newCluster(t, 3, nil, WithRetryCount(3), WithRetryDelay(time.Millisecond), WithRetryJitter(3*time.Millisecond))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses []error
	)
	start := make(chan struct{})
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Acquire(context.Background(), []string{"seat:VN1:1A"}, 5*time.Second)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			losses = append(losses, err)
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, losses, 1)
	assert.ErrorIs(t, losses[0], ErrLockNotAcquired)
}

func TestSecondAcquireBlockedUntilRelease(t *testing.T) {
	m, _ := newCluster(t, 3, nil, fastRetries()...)
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"seat:VN1:1A"}, 5*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, []string{"seat:VN1:1A"}, 5*time.Second)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, m.Release(ctx, first))

	second, err := m.Acquire(ctx, []string{"seat:VN1:1A"}, 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())
}

func TestMultiResourceIsAllOrNothingPerNode(t *testing.T) {
	m, nodes := newCluster(t, 3, nil, WithRetryCount(0))
	ctx := context.Background()

	ok, err := nodes[0].SetIfAbsent(ctx, "lock:b", "foreign", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	lease, err := m.Acquire(ctx, []string{"a", "b", "a"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, lease.Voters())
	assert.Equal(t, []string{"lock:a", "lock:b"}, lease.Resources())

	_, found, err := nodes[0].Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.False(t, found, "partial acquisition must be rolled back")
}

func TestExtendWithStolenTokenFails(t *testing.T) {
	mock := clock.NewMock()
	m, nodes := newCluster(t, 3, []node.InMemoryOption{node.WithClock(mock)}, WithClock(mock), WithRetryCount(0))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"res"}, time.Second)
	require.NoError(t, err)

	for _, n := range nodes {
		ok, err := n.CompareAndDelete(ctx, "lock:res", lease.Token())
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = n.SetIfAbsent(ctx, "lock:res", "intruder", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	mock.Add(300 * time.Millisecond)

	_, err = m.Extend(ctx, lease, 10*time.Second)
	require.ErrorIs(t, err, ErrLeaseLost)

	for _, n := range nodes {
		v, ok, err := n.Get(ctx, "lock:res")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "intruder", string(v))
		ttl, _, err := n.TTL(ctx, "lock:res")
		require.NoError(t, err)
		assert.Equal(t, 700*time.Millisecond, ttl, "foreign key must not be refreshed")
	}
}

func TestExtendRefreshesValidity(t *testing.T) {
	mock := clock.NewMock()
	m, nodes := newCluster(t, 3, []node.InMemoryOption{node.WithClock(mock)}, WithClock(mock), WithRetryCount(0))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"res"}, time.Second)
	require.NoError(t, err)
	mock.Add(600 * time.Millisecond)

	next, err := m.Extend(ctx, lease, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lease.Token(), next.Token())
	assert.Equal(t, 2*time.Second, next.TTL())
	drift := time.Duration(float64(2*time.Second)*DefaultDriftFactor) + roundTripPadding
	assert.Equal(t, mock.Now().Add(2*time.Second-drift), next.Expiration())

	for _, n := range nodes {
		ttl, ok, err := n.TTL(ctx, "lock:res")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2*time.Second, ttl)
	}
}

func TestExtendLosesQuorum(t *testing.T) {
	m, nodes := newCluster(t, 3, nil, WithRetryCount(0))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"res"}, 5*time.Second)
	require.NoError(t, err)
	nodes[1].SetAvailable(false)
	nodes[2].SetAvailable(false)

	_, err = m.Extend(ctx, lease, 5*time.Second)
	require.ErrorIs(t, err, ErrLeaseLost)
	assert.Zero(t, nodes[0].Len(), "own copies are dropped after a failed extension")
}

func TestSlowNodesExhaustValidity(t *testing.T) {
	m, nodes := newCluster(t, 3, nil, WithRetryCount(0), WithNodeTimeout(time.Second))
	for _, n := range nodes {
		n.SetLatency(40 * time.Millisecond)
	}

	_, err := m.Acquire(context.Background(), []string{"res"}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	m, _ := newCluster(t, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, []string{"res"}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseIsTolerant(t *testing.T) {
	mock := clock.NewMock()
	m, nodes := newCluster(t, 3, []node.InMemoryOption{node.WithClock(mock)}, WithClock(mock), WithRetryCount(0))
	ctx := context.Background()

	require.ErrorIs(t, m.Release(ctx, nil), ErrInvalidLease)

	lease, err := m.Acquire(ctx, []string{"res"}, time.Second)
	require.NoError(t, err)
	mock.Add(2 * time.Second)

	before := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues("expired"))
	require.NoError(t, m.Release(ctx, lease))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues("expired")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	lease, err = m.Acquire(ctx, []string{"res"}, time.Second)
	require.NoError(t, err)
	nodes[0].SetAvailable(false)
	require.NoError(t, m.Release(cancelled, lease))
	assert.Zero(t, nodes[1].Len())
	assert.Zero(t, nodes[2].Len())
}

func TestInvalidArguments(t *testing.T) {
	m, _ := newCluster(t, 3, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, []string{"res"}, 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	_, err = m.Acquire(ctx, nil, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLease)
	_, err = m.Acquire(ctx, []string{""}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLease)
	_, err = m.Extend(ctx, nil, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLease)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	set, err := node.NewSet(node.NewInMemory("a"), node.NewInMemory("b"), node.NewInMemory("c"))
	require.NoError(t, err)

	cases := []struct {
		name string
		opts []Option
	}{
		{"quorum allows two holders", []Option{WithQuorum(1)}},
		{"quorum above node count", []Option{WithQuorum(4)}},
		{"drift factor", []Option{WithDriftFactor(1.5)}},
		{"retry count", []Option{WithRetryCount(-2)}},
		{"node timeout", []Option{WithNodeTimeout(0)}},
		{"empty key prefix", []Option{WithKeyPrefix("")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(set, tc.opts...)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	m, err := New(set, WithQuorum(3))
	require.NoError(t, err)
	assert.Equal(t, 3, m.Quorum())
}

func TestCustomKeyPrefix(t *testing.T) {
	m, nodes := newCluster(t, 1, nil, WithKeyPrefix("booking-lock:"), WithRetryCount(0))
	lease, err := m.Acquire(context.Background(), []string{"seat:VN1:1A"}, time.Second)
	require.NoError(t, err)
	_, ok, _ := nodes[0].Get(context.Background(), "booking-lock:seat:VN1:1A")
	assert.True(t, ok)
	assert.Equal(t, []string{"booking-lock:seat:VN1:1A"}, lease.Resources())
}

func TestNotifierWakesWaiter(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	holder, nodes := newCluster(t, 3, nil, WithNotifier(bus), WithRetryCount(0))

	clients := make([]node.Client, len(nodes))
	for i, n := range nodes {
		clients[i] = n
	}
	set, err := node.NewSet(clients...)
	require.NoError(t, err)
	waiter, err := New(set, WithNotifier(bus), WithRetryCount(3), WithRetryDelay(time.Minute), WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()
	lease, err := holder.Acquire(ctx, []string{"seat:VN1:1A"}, 10*time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := waiter.Acquire(ctx, []string{"seat:VN1:1A"}, 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, holder.Release(ctx, lease))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by the release notification")
	}
}
