package conn

import "errors"

var (
	// ErrSpawn wraps process launch failures. Fatal for the attempt; the
	// reconnect supervisor may retry.
	ErrSpawn = errors.New("conn: spawn failed")

	// ErrHandshakeTimeout is recorded when no ready message arrives within
	// the initialization deadline.
	ErrHandshakeTimeout = errors.New("conn: handshake timeout")

	// ErrNotReady is returned by Call and Notify when the connection is not
	// in the Ready state.
	ErrNotReady = errors.New("conn: not ready")

	// ErrTimedOut is returned by Call when the request deadline elapses.
	// It does not imply the connection itself has failed.
	ErrTimedOut = errors.New("conn: request timed out")

	// ErrClosed is returned for requests pending when the connection is
	// torn down, explicitly or after a transport failure.
	ErrClosed = errors.New("conn: connection closed")

	// ErrIdle is the degrade reason used by health checks for connections
	// that have been inactive beyond the idle threshold.
	ErrIdle = errors.New("conn: idle threshold exceeded")

	// ErrStreamEnded is the degrade reason when the server's output stream
	// reached end-of-file while the connection was live.
	ErrStreamEnded = errors.New("conn: server output stream ended")
)
