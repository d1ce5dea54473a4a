package lock

import (
	"context"
	"sync"
	"time"

	"github.com/bobg/errors"
)

// Using acquires resources for ttl, runs fn and releases the lease on every
// exit path, panics included. While fn runs, the lease is extended whenever
// its remaining validity drops below AutomaticExtensionThreshold. If an
// extension fails, the context passed to fn is cancelled with a cause
// matching ErrLeaseLost, and Using returns that cause when fn itself
// returned nil.
func (m *Manager) Using(ctx context.Context, resources []string, ttl time.Duration, fn func(context.Context) error) (err error) {
	lease, err := m.Acquire(ctx, resources, ttl)
	if err != nil {
		return err
	}

	lctx, cancel := context.WithCancelCause(ctx)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current = lease
	)
	done := make(chan struct{})
	if m.opts.AutomaticExtensionThreshold > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.keepAlive(lctx, done, lease, ttl, func(next *Lease) {
				mu.Lock()
				current = next
				mu.Unlock()
			}, cancel)
		}()
	}

	defer func() {
		close(done)
		wg.Wait()
		cause := context.Cause(lctx)
		cancel(nil)

		mu.Lock()
		held := current
		mu.Unlock()
		if rerr := m.Release(ctx, held); rerr != nil {
			m.logger.Warn("redlock: release failed", "resources", held.resources, "error", rerr)
		}
		if err == nil && errors.Is(cause, ErrLeaseLost) {
			err = cause
		}
	}()

	return fn(lctx)
}

// keepAlive extends lease until done is closed or an extension fails.
func (m *Manager) keepAlive(ctx context.Context, done <-chan struct{}, lease *Lease, ttl time.Duration, update func(*Lease), cancel context.CancelCauseFunc) {
	for {
		wait := lease.Remaining(m.clock.Now()) - m.opts.AutomaticExtensionThreshold
		if wait <= 0 {
			wait = lease.Remaining(m.clock.Now()) / 2
		}
		t := m.clock.Timer(wait)
		select {
		case <-done:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		next, err := m.Extend(ctx, lease, ttl)
		if err != nil {
			if !errors.Is(err, ErrLeaseLost) {
				err = errors.Wrap(ErrLeaseLost, err.Error())
			}
			m.logger.Warn("redlock: automatic extension failed", "resources", lease.resources, "error", err)
			cancel(err)
			return
		}
		lease = next
		update(next)
	}
}
