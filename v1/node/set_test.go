package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"
)

func TestSetQuorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		nodes := make([]Client, n)
		for i := range nodes {
			nodes[i] = NewInMemory("n")
		}
		s, err := NewSet(nodes...)
		if err != nil {
			t.Fatalf("NewSet: %v", err)
		}
		if s.Quorum() != want {
			t.Fatalf("N=%d: expected quorum %d, got %d", n, want, s.Quorum())
		}
	}
}

func TestSetRejectsEmpty(t *testing.T) {
	if _, err := NewSet(); !errors.Is(err, ErrEmptySet) {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
	if _, err := Dial(nil); !errors.Is(err, ErrEmptySet) {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
	if _, err := Dial([]string{"localhost"}); err == nil {
		t.Fatal("expected error for endpoint without port")
	}
}

func TestSetConnectAndHealthy(t *testing.T) {
	a, b, c := NewInMemory("a"), NewInMemory("b"), NewInMemory("c")
	s, _ := NewSet(a, b, c)
	ctx := context.Background()

	c.SetAvailable(false)
	if got := s.Healthy(ctx); got != 2 {
		t.Fatalf("expected 2 healthy, got %d", got)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect with majority up: %v", err)
	}
	b.SetAvailable(false)
	if err := s.Connect(ctx); !errors.Is(err, ErrQuorumUnreachable) {
		t.Fatalf("expected ErrQuorumUnreachable, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBreakerOpensAndProbes(t *testing.T) {
	inner := NewInMemory("n1")
	b := NewBreaker(inner, 2, time.Second)
	mock := clock.NewMock()
	b.clock = mock
	ctx := context.Background()

	inner.SetAvailable(false)
	for i := 0; i < 2; i++ {
		if _, err := b.SetIfAbsent(ctx, "k", "v", time.Second); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.Healthy() {
		t.Fatal("breaker should be open")
	}
	inner.SetAvailable(true)
	if _, err := b.SetIfAbsent(ctx, "k", "v", time.Second); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	mock.Add(2 * time.Second)
	if ok, err := b.SetIfAbsent(ctx, "k", "v", time.Second); err != nil || !ok {
		t.Fatalf("probe should pass: ok %v err %v", ok, err)
	}
	if !b.Healthy() {
		t.Fatal("breaker should be closed after a good probe")
	}
}
