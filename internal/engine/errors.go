package engine

import "errors"

var (
	// ErrNoActiveSession: an operation needs a loaded model and none is.
	ErrNoActiveSession = errors.New("no model loaded")
	// ErrSourceModelUnavailable: a cross-model operation needs a loaded
	// comparison model and none is.
	ErrSourceModelUnavailable = errors.New("comparison model not loaded")
	// ErrProtocolMismatch: the caller speaks a different protocol version.
	// Stale callers are rejected rather than silently misinterpreted.
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	// ErrComponentNotFound: a diff request named a path absent from both trees.
	ErrComponentNotFound = errors.New("component not found")
)
