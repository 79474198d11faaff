package protocol

import "errors"

// Sentinel errors. Transports wrap them so callers can classify failures
// with [errors.Is].
var (
	// ErrHandshakeTimeout means no hello-ack arrived within the bound.
	ErrHandshakeTimeout = errors.New("protocol: handshake timeout")

	// ErrHandshakeRejected means the server answered with a hello that does
	// not establish a usable session (wrong transport tag, missing
	// session_id, missing media parameters).
	ErrHandshakeRejected = errors.New("protocol: handshake rejected")

	// ErrTransport covers connect and send failures.
	ErrTransport = errors.New("protocol: transport error")

	// ErrDecode marks a malformed payload. Such payloads are dropped.
	ErrDecode = errors.New("protocol: malformed payload")

	// ErrConfig marks a missing endpoint or credential. It is never retried.
	ErrConfig = errors.New("protocol: invalid configuration")

	// ErrConnectionLost marks an unexpected mid-session disconnect.
	ErrConnectionLost = errors.New("protocol: connection lost")

	// ErrNotOpen is returned by operations that need an open channel.
	ErrNotOpen = errors.New("protocol: audio channel not open")

	// ErrClosed is returned after [Session.Close].
	ErrClosed = errors.New("protocol: session closed")
)
