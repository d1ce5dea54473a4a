package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

func TestInMemoryExpiry(t *testing.T) {
	mock := clock.NewMock()
	n := NewInMemory("n1", WithClock(mock))
	ctx := context.Background()

	if ok, err := n.SetIfAbsent(ctx, "lock:k", "tok", time.Second); err != nil || !ok {
		t.Fatalf("set: ok %v err %v", ok, err)
	}
	mock.Add(500 * time.Millisecond)
	if ttl, ok, _ := n.TTL(ctx, "lock:k"); !ok || ttl != 500*time.Millisecond {
		t.Fatalf("ttl %v ok %v", ttl, ok)
	}
	if ok, _ := n.SetIfAbsent(ctx, "lock:k", "other", time.Second); ok {
		t.Fatal("live key overwritten")
	}
	mock.Add(500 * time.Millisecond)
	if ok, _ := n.SetIfAbsent(ctx, "lock:k", "other", time.Second); !ok {
		t.Fatal("expired key should be free")
	}
	if n.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", n.Len())
	}
}

func TestInMemoryCompareOps(t *testing.T) {
	n := NewInMemory("n1")
	ctx := context.Background()
	_, _ = n.SetIfAbsent(ctx, "k", "tok", time.Second)

	if ok, _ := n.CompareAndSetTTL(ctx, "k", "bad", time.Hour); ok {
		t.Fatal("refresh with wrong token")
	}
	if ok, _ := n.CompareAndSetTTL(ctx, "k", "tok", time.Hour); !ok {
		t.Fatal("refresh with owner token failed")
	}
	if ttl, _, _ := n.TTL(ctx, "k"); ttl <= time.Second {
		t.Fatalf("ttl not refreshed: %v", ttl)
	}
	if ok, _ := n.CompareAndDelete(ctx, "k", "bad"); ok {
		t.Fatal("delete with wrong token")
	}
	if ok, _ := n.CompareAndDelete(ctx, "k", "tok"); !ok {
		t.Fatal("delete with owner token failed")
	}
}

func TestInMemoryUnavailableKeepsData(t *testing.T) {
	n := NewInMemory("n1")
	ctx := context.Background()
	_ = n.Set(ctx, "k", []byte("v"), 0)

	n.SetAvailable(false)
	if _, _, err := n.Get(ctx, "k"); !errors.Is(err, rlerrors.ErrNodeUnavailable) {
		t.Fatalf("expected ErrNodeUnavailable, got %v", err)
	}
	n.SetAvailable(true)
	if v, ok, err := n.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("get after recovery: %q ok %v err %v", v, ok, err)
	}
}

func TestInMemoryLatencyHonoursDeadline(t *testing.T) {
	n := NewInMemory("slow")
	n.SetLatency(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := n.SetIfAbsent(ctx, "k", "v", time.Second)
	if !errors.Is(err, rlerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("latency ignored the deadline")
	}
}

func TestInMemoryClosed(t *testing.T) {
	n := NewInMemory("n1")
	_ = n.Close()
	if err := n.Ping(context.Background()); !errors.Is(err, rlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
