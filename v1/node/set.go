package node

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/bobg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEmptySet is returned when a Set is built without nodes.
	ErrEmptySet = errors.New("node: empty node set")
	// ErrQuorumUnreachable is returned by Connect when fewer than a quorum
	// of nodes answer.
	ErrQuorumUnreachable = errors.New("node: quorum unreachable")
)

// Set is an ordered, fixed-size collection of independent nodes. It is
// created and closed by its owner and shared by every component that votes
// or caches against the nodes.
type Set struct {
	nodes []Client
}

// NewSet returns a Set over nodes, in order.
func NewSet(nodes ...Client) (*Set, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptySet
	}
	for i, n := range nodes {
		if n == nil {
			return nil, errors.Wrapf(ErrEmptySet, "node %d is nil", i)
		}
	}
	return &Set{nodes: append([]Client(nil), nodes...)}, nil
}

// Dial builds a Set of Redis nodes from host:port endpoints. Connections are
// opened lazily; call Connect to verify reachability up front.
func Dial(endpoints []string, opts ...RedisOption) (*Set, error) {
	if len(endpoints) == 0 {
		return nil, ErrEmptySet
	}
	nodes := make([]Client, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, _, err := net.SplitHostPort(ep); err != nil {
			for _, n := range nodes {
				_ = n.Close()
			}
			return nil, errors.Wrapf(err, "invalid node endpoint %q", ep)
		}
		nodes = append(nodes, DialRedis(ep, opts...))
	}
	return NewSet(nodes...)
}

// Len returns the number of nodes.
func (s *Set) Len() int { return len(s.nodes) }

// Quorum returns floor(N/2)+1.
func (s *Set) Quorum() int { return len(s.nodes)/2 + 1 }

// Node returns the i-th node.
func (s *Set) Node(i int) Client { return s.nodes[i] }

// Nodes returns a copy of the node list.
func (s *Set) Nodes() []Client { return append([]Client(nil), s.nodes...) }

// Healthy pings every node in parallel and returns how many answered.
func (s *Set) Healthy(ctx context.Context) int {
	var (
		g  errgroup.Group
		up atomic.Int32
	)
	for _, n := range s.nodes {
		g.Go(func() error {
			if n.Ping(ctx) == nil {
				up.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(up.Load())
}

// Connect pings every node and fails when fewer than a quorum answer.
// Unreachable minority nodes are tolerated.
func (s *Set) Connect(ctx context.Context) error {
	if up := s.Healthy(ctx); up < s.Quorum() {
		return errors.Wrapf(ErrQuorumUnreachable, "%d of %d nodes reachable, need %d", up, s.Len(), s.Quorum())
	}
	return nil
}

// Close closes every node and returns the first error.
func (s *Set) Close() error {
	var first error
	for _, n := range s.nodes {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
