package lock

import "time"

// Lease is a granted lock. It is immutable: Extend returns a new Lease with
// the same fencing token.
type Lease struct {
	resources []string
	token     string
	expiresAt time.Time
	voters    []int
	ttl       time.Duration
}

// Resources returns the namespaced keys held by the lease.
func (l *Lease) Resources() []string { return append([]string(nil), l.resources...) }

// Token returns the fencing token written to the nodes.
func (l *Lease) Token() string { return l.token }

// Expiration returns the instant after which the lease must be considered
// lost, drift allowance already subtracted.
func (l *Lease) Expiration() time.Time { return l.expiresAt }

// Voters returns the indices of the nodes that accepted the lease.
func (l *Lease) Voters() []int { return append([]int(nil), l.voters...) }

// TTL returns the TTL the lease was requested with.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Remaining returns the validity left at now, never negative.
func (l *Lease) Remaining(now time.Time) time.Duration {
	if d := l.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
