package carabiner

import "errors"

// Sentinel errors returned by the engine's public surface. Callers match
// them with errors.Is; call sites add context via pkg/errors wrapping.
var (
	// ErrInvalidArgument reports an out-of-range port, latency, tempo, or
	// an unknown sync mode.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports an operation whose precondition on the
	// connection or sync mode is not currently met.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotConnected reports a send attempted with no active connection.
	ErrNotConnected = errors.New("not connected to carabiner")

	// ErrConnect reports that the daemon could not be reached, with or
	// without an embedded-launch attempt.
	ErrConnect = errors.New("unable to connect to carabiner")

	// ErrProtocol reports a malformed or unrecognized inbound message.
	// Protocol errors are logged and never tear down the connection.
	ErrProtocol = errors.New("carabiner protocol error")
)
