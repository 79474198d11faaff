// Package mock provides an in-memory [protocol.Transport] for unit tests.
//
// The mock records every call and lets the test inject incoming traffic and
// connection loss through the sink handed to the most recent Dial:
//
//	tr := &mock.Transport{HandshakeResult: protocol.Handshake{SessionID: "s1"}}
//	sess := protocol.NewSession(tr)
//	_ = sess.OpenAudioChannel(ctx)
//	tr.EmitJSON([]byte(`{"type":"tts","state":"start"}`))
//	tr.EmitLoss(errors.New("reset by peer"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicelink/internal/protocol"
)

var _ protocol.Transport = (*Transport)(nil)

// Transport is a mock implementation of [protocol.Transport].
// Set the exported fields before use; inspect the recorded calls after.
type Transport struct {
	mu sync.Mutex

	// TransportName is returned by Name. Defaults to "mock".
	TransportName string

	// DialError is returned by Dial.
	DialError error

	// HandshakeResult is returned by Handshake when HandshakeError is nil.
	HandshakeResult protocol.Handshake

	// HandshakeError is returned by Handshake.
	HandshakeError error

	// BlockHandshake makes Handshake wait for its context to end.
	BlockHandshake bool

	// WriteError is returned by WriteText and WriteAudio.
	WriteError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountDial records how many times Dial was called.
	CallCountDial int

	// CallCountHandshake records how many times Handshake was called.
	CallCountHandshake int

	// CloseCalls records the sessionID argument of every Close call.
	CloseCalls []string

	// HandshakeParams records the params of every Handshake call.
	HandshakeParams []protocol.AudioParams

	// Texts records every control message written.
	Texts [][]byte

	// Audio records every audio packet written.
	Audio [][]byte

	// Sinks records the sink of every successful Dial, in order.
	Sinks []protocol.Sink

	alive bool
}

// Name implements [protocol.Transport].
func (t *Transport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TransportName == "" {
		return "mock"
	}
	return t.TransportName
}

// Dial implements [protocol.Transport].
func (t *Transport) Dial(_ context.Context, sink protocol.Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountDial++
	if t.DialError != nil {
		return t.DialError
	}
	t.Sinks = append(t.Sinks, sink)
	t.alive = true
	return nil
}

// Handshake implements [protocol.Transport].
func (t *Transport) Handshake(ctx context.Context, params protocol.AudioParams) (protocol.Handshake, error) {
	t.mu.Lock()
	t.CallCountHandshake++
	t.HandshakeParams = append(t.HandshakeParams, params)
	block := t.BlockHandshake
	res, err := t.HandshakeResult, t.HandshakeError
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return protocol.Handshake{}, ctx.Err()
	}
	return res, err
}

// WriteText implements [protocol.Transport].
func (t *Transport) WriteText(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteError != nil {
		return t.WriteError
	}
	t.Texts = append(t.Texts, append([]byte(nil), msg...))
	return nil
}

// WriteAudio implements [protocol.Transport].
func (t *Transport) WriteAudio(_ context.Context, pkt []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteError != nil {
		return t.WriteError
	}
	t.Audio = append(t.Audio, append([]byte(nil), pkt...))
	return nil
}

// Alive implements [protocol.Transport].
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// Close implements [protocol.Transport].
func (t *Transport) Close(_ context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCalls = append(t.CloseCalls, sessionID)
	t.alive = false
	return t.CloseError
}

// SetDialError changes DialError under the mock's lock.
func (t *Transport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DialError = err
}

// SetAlive overrides the liveness reported by Alive.
func (t *Transport) SetAlive(alive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = alive
}

// Calls is a point-in-time copy of what a [Transport] recorded.
type Calls struct {
	Dial      int
	Handshake int
	Close     []string
	Texts     [][]byte
	Audio     [][]byte
}

// Calls returns a copy of the recorded calls and writes.
func (t *Transport) Calls() Calls {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Calls{
		Dial:      t.CallCountDial,
		Handshake: t.CallCountHandshake,
		Close:     append([]string(nil), t.CloseCalls...),
		Texts:     append([][]byte(nil), t.Texts...),
		Audio:     append([][]byte(nil), t.Audio...),
	}
}

// Sink returns the sink of the most recent Dial, or nil.
func (t *Transport) Sink() protocol.Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Sinks) == 0 {
		return nil
	}
	return t.Sinks[len(t.Sinks)-1]
}

// EmitJSON delivers b as an incoming control message.
func (t *Transport) EmitJSON(b []byte) {
	if s := t.Sink(); s != nil {
		s.HandleJSON(b)
	}
}

// EmitAudio delivers pkt as an incoming audio packet.
func (t *Transport) EmitAudio(pkt []byte) {
	if s := t.Sink(); s != nil {
		s.HandleAudio(pkt)
	}
}

// EmitLoss reports a connection failure.
func (t *Transport) EmitLoss(err error) {
	if s := t.Sink(); s != nil {
		s.HandleLoss(err)
	}
}
