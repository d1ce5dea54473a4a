// Package syncbus carries best-effort notifications between processes. The
// lock manager publishes one after every release so that instances waiting
// for the same resource can retry before their backoff ends. Nothing relies
// on delivery for correctness.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub channel keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving one value per delivered event.
	// The subscription ends when ctx is done or Unsubscribe is called,
	// whichever comes first; the channel is then closed.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. A subscriber that has not drained its
// previous event does not receive a second one.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	// Channels are closed under b.mu, so fan out while holding it.
	b.fanout(b.subs[key])
	b.mu.Unlock()

	b.published.Add(1)
	return nil
}

func (b *InMemoryBus) fanout(chans []chan struct{}) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Unknown channels are ignored.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = removeChan(b.subs[key], ch)
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// removeChan drops ch from chans and closes it if it was present.
func removeChan(chans []chan struct{}, ch chan struct{}) []chan struct{} {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			break
		}
	}
	return chans
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
