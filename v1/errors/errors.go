// Package errors holds the transport-level sentinel errors shared by node
// clients and the components built on top of them.
package errors

import "github.com/bobg/errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNodeUnavailable marks any other failure talking to a single node.
	// It never reaches lock callers; the lock manager counts it as a
	// missing vote.
	ErrNodeUnavailable = errors.New("node unavailable")
)
