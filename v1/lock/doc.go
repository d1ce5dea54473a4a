// Package lock implements a quorum lock over a node.Set, following the
// Redlock algorithm.
//
// A lease is granted when a majority of independent nodes accept a fresh
// fencing token for every requested resource within the validity window
// (ttl minus elapsed time minus clock drift). Failed rounds remove whatever
// they managed to write, then retry after a jittered delay. Leases can be
// extended and released only by the token that created them; copies left on
// unreachable nodes expire on their own.
//
// This is a best-effort heuristic, not consensus: mutual exclusion holds as
// long as clocks drift less than the configured factor and processes do not
// pause longer than the lease validity. Callers that need stronger
// guarantees must check the fencing token in the system of record.
package lock
