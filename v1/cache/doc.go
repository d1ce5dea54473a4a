// Package cache holds the read-through cache clients used by the
// stampede-protected coordinator: a byte-oriented cache over one quorum node,
// process-local caches for tests and single-instance runs, and a wrapper that
// turns backend failures into misses.
package cache
