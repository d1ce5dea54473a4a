// Package core composes the lock manager with a cache into the two entry
// points services use: Coordinator for stampede-protected read-through
// lookups and Mutex for read-modify-write sections on shared records.
package core
