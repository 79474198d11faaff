package protocol

import "context"

// Transport is one wire protocol. A Transport carries at most one connection
// at a time; [Session] serialises Dial, Handshake and Close.
//
// Implementations report every read or write failure after Dial through
// [Sink.HandleLoss] and never panic or block the caller on it.
type Transport interface {
	// Name returns the transport tag, e.g. "socket".
	Name() string

	// Dial establishes the connection and starts its receive loops. Incoming
	// traffic goes to sink until Close.
	Dial(ctx context.Context, sink Sink) error

	// Handshake sends the client hello and waits for the server hello.
	// It returns an error wrapping [ErrHandshakeTimeout] when ctx expires
	// first and [ErrHandshakeRejected] for an unusable answer.
	Handshake(ctx context.Context, params AudioParams) (Handshake, error)

	// WriteText sends one control message.
	WriteText(ctx context.Context, msg []byte) error

	// WriteAudio sends one encoded audio packet.
	WriteAudio(ctx context.Context, pkt []byte) error

	// Alive reports whether the underlying connection is currently usable.
	Alive() bool

	// Close tears the connection down. When sessionID is non-empty the server
	// is told goodbye first where the protocol requires it. Idempotent.
	Close(ctx context.Context, sessionID string) error
}

// Sink receives traffic from a [Transport]. Methods may be called from any
// goroutine and return promptly.
type Sink interface {
	// HandleJSON receives one control message. b is owned by the sink.
	HandleJSON(b []byte)

	// HandleAudio receives one encoded audio packet. pkt is owned by the sink.
	HandleAudio(pkt []byte)

	// HandleLoss reports that the connection failed. Called at most once per Dial.
	HandleLoss(err error)
}
