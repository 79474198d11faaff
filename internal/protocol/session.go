// Package protocol implements the transport-independent voice session: the
// connection lifecycle state machine, the hello handshake contract, the
// control message vocabulary, reconnection after unexpected loss, and the
// single-consumer dispatch of incoming traffic to a [Listener].
//
// Wire protocols plug in through the [Transport] interface; see the socket
// and broker subpackages.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/reconnect"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// Default session parameters.
const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAudioQueue       = 64
	defaultControlQueue     = 256
	defaultOutboundQueue    = 64
	defaultMaxAttempts      = 5

	closeTimeout = 3 * time.Second
	writeTimeout = time.Second
)

// Option configures a [Session].
type Option func(*Session)

// WithListener sets the event listener. Defaults to [NopListener].
func WithListener(l Listener) Option {
	return func(s *Session) {
		if l != nil {
			s.listener = l
		}
	}
}

// WithAudioParams sets the audio parameters announced in the client hello.
// Defaults to [DefaultAudioParams].
func WithAudioParams(p AudioParams) Option {
	return func(s *Session) { s.params = p }
}

// WithHandshakeTimeout bounds connection establishment plus handshake.
// Defaults to 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithQueueSizes sets the bounds of the incoming audio queue and the
// control event queue. Defaults to 64 and 256.
func WithQueueSizes(audioPackets, controlEvents int) Option {
	return func(s *Session) {
		if audioPackets > 0 {
			s.audioQueueSize = audioPackets
		}
		if controlEvents > 0 {
			s.controlQueueSize = controlEvents
		}
	}
}

// WithReconnectBackoff sets the backoff step and cap used once auto
// reconnect is enabled. Zero values keep the supervisor defaults.
func WithReconnectBackoff(step, limit time.Duration) Option {
	return func(s *Session) {
		s.backoff = step
		s.maxBackoff = limit
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type eventKind uint8

const (
	eventJSON eventKind = iota
	eventOpened
	eventClosed
	eventNetworkError
	eventStateChanged
	eventReconnecting
)

type event struct {
	kind    eventKind
	msg     Message
	err     error
	open    bool
	reason  string
	attempt int
	max     int
	gen     uint64
}

// Session is one voice session over a [Transport]. Create it with
// [NewSession]; it is not reusable across transports.
//
// All methods are safe for concurrent use.
type Session struct {
	transport        Transport
	listener         Listener
	params           AudioParams
	handshakeTimeout time.Duration
	audioQueueSize   int
	controlQueueSize int
	backoff          time.Duration
	maxBackoff       time.Duration
	metrics          *observe.Metrics

	machine *fsm.FSM

	// opMu serialises open, close and loss handling.
	opMu sync.Mutex

	mu              sync.Mutex
	sessionID       string
	negotiated      AudioParams
	gen             uint64
	cancelOpen      context.CancelFunc
	cancelReconnect context.CancelFunc
	closeRequested  bool
	autoReconnect   bool
	supervisor      *reconnect.Supervisor
	shutdown        bool

	incoming  *audio.Queue[[]byte]
	outgoing  *audio.Queue[[]byte]
	events    *audio.Queue[event]
	lifecycle eventLog

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession creates a session over t and starts its dispatcher. Call
// [Session.Close] to release it.
func NewSession(t Transport, opts ...Option) *Session {
	s := &Session{
		transport:        t,
		listener:         NopListener{},
		params:           DefaultAudioParams(),
		handshakeTimeout: defaultHandshakeTimeout,
		audioQueueSize:   defaultAudioQueue,
		controlQueueSize: defaultControlQueue,
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.negotiated = s.params
	s.incoming = audio.NewQueue[[]byte](s.audioQueueSize)
	s.outgoing = audio.NewQueue[[]byte](defaultOutboundQueue)
	s.events = audio.NewQueue[event](s.controlQueueSize)
	s.lifecycle.ready = make(chan struct{}, 1)
	s.machine = newStateMachine(func(from, to State) {
		slog.Debug("protocol: state changed", "transport", t.Name(), "from", from, "to", to)
	})

	s.wg.Add(2)
	go s.dispatch()
	go s.writeLoop()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return parseState(s.machine.Current())
}

// SessionID returns the server-assigned session id, or "" unless the
// channel is open.
func (s *Session) SessionID() string {
	if s.State() != StateOpen {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AudioParams returns the server's audio parameters once negotiated, or
// the requested ones before that.
func (s *Session) AudioParams() AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// IsAudioChannelOpened reports whether the session is open and the
// transport connection is still usable.
func (s *Session) IsAudioChannelOpened() bool {
	return s.State() == StateOpen && s.transport.Alive()
}

// EnableAutoReconnect turns reconnection after unexpected loss on or off.
// maxAttempts <= 0 selects the default bound. New settings apply from the
// next loss; a reconnection in progress keeps its bound. Disabling stops it,
// and the listener then receives the terminal OnNetworkError.
func (s *Session) EnableAutoReconnect(enabled bool, maxAttempts int) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = enabled
	if !enabled && s.supervisor != nil {
		s.supervisor.Stop()
	}
	s.supervisor = nil
	if enabled {
		s.supervisor = reconnect.New(reconnect.Config{
			Name:        s.transport.Name(),
			MaxAttempts: maxAttempts,
			Backoff:     s.backoff,
			MaxBackoff:  s.maxBackoff,
			OnAttempt:   s.onReconnectAttempt,
		})
	}
	slog.Info("protocol: auto reconnect", "enabled", enabled, "max_attempts", maxAttempts)
}

// OpenAudioChannel connects and performs the handshake. It returns nil
// immediately when the channel is already open. On failure the session is
// back in [StateDisconnected], the listener receives OnNetworkError, and the
// returned error wraps one of the package sentinels.
func (s *Session) OpenAudioChannel(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if s.State() == StateOpen {
		return nil
	}
	if err := s.open(ctx, true); err != nil {
		return err
	}
	s.mu.Lock()
	if s.supervisor != nil {
		s.supervisor.Reset()
	}
	s.mu.Unlock()
	return nil
}

// CloseAudioChannel closes the channel, cancelling any in-flight open or
// pending reconnection. Closing a closed channel is a no-op.
func (s *Session) CloseAudioChannel() error {
	return s.closeChannel("closed by client")
}

// SendText sends one control message. It fails with an error wrapping
// [ErrTransport] unless the channel is open.
func (s *Session) SendText(ctx context.Context, msg []byte) error {
	if s.State() != StateOpen {
		return fmt.Errorf("%w: send text: %w", ErrTransport, ErrNotOpen)
	}
	if err := s.transport.WriteText(ctx, msg); err != nil {
		return fmt.Errorf("%w: send text: %w", ErrTransport, err)
	}
	return nil
}

// SendAudio queues one encoded packet for sending. It never blocks; packets
// are dropped silently while the channel is not open and the oldest queued
// packet is dropped when the outbound queue is full.
func (s *Session) SendAudio(pkt []byte) {
	if s.State() != StateOpen {
		return
	}
	if s.outgoing.Push(pkt) {
		s.metrics.RecordDrop(context.Background(), "outbound", 1)
	}
}

// Close closes the channel and stops the dispatcher. Pending events are
// delivered before Close returns. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.CloseAudioChannel()
		s.mu.Lock()
		s.shutdown = true
		if s.supervisor != nil {
			s.supervisor.Stop()
		}
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

// open runs one connection attempt. notify controls whether a failure is
// reported to the listener; reconnection attempts report only the final
// outcome.
func (s *Session) open(ctx context.Context, notify bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() == StateOpen {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancelOpen = cancel
	s.closeRequested = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelOpen = nil
		s.mu.Unlock()
	}()

	name := s.transport.Name()
	ctx, span := observe.StartSpan(ctx, "protocol.open",
		trace.WithAttributes(attribute.String("transport", name)),
	)
	defer span.End()

	start := time.Now()
	hs, err := s.handshake(ctx, gen)
	if err != nil {
		s.metrics.RecordHandshake(ctx, name, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.abortOpen(err, notify)
		return err
	}
	s.metrics.RecordHandshake(ctx, name, "ok", time.Since(start))

	s.mu.Lock()
	s.sessionID = hs.SessionID
	if hs.AudioParams.SampleRate > 0 {
		s.negotiated = hs.AudioParams
	}
	s.mu.Unlock()
	if err := s.fire(evAck); err != nil {
		s.abortOpen(err, notify)
		return err
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("session_id", hs.SessionID))
	observe.Logger(ctx).Info("protocol: audio channel opened",
		"transport", name,
		"session_id", hs.SessionID,
		"sample_rate", s.AudioParams().SampleRate,
	)
	s.pushEvent(event{kind: eventOpened})
	s.pushEvent(event{kind: eventStateChanged, open: true, reason: "connected"})
	return nil
}

func (s *Session) handshake(ctx context.Context, gen uint64) (Handshake, error) {
	name := s.transport.Name()
	if err := s.fire(evOpen); err != nil {
		return Handshake{}, err
	}
	if err := s.transport.Dial(ctx, sink{s: s, gen: gen}); err != nil {
		return Handshake{}, classify(ctx, fmt.Errorf("%w: %s: dial: %w", ErrTransport, name, err))
	}
	if err := s.fire(evConnected); err != nil {
		return Handshake{}, err
	}
	hs, err := s.transport.Handshake(ctx, s.params)
	if err != nil {
		return Handshake{}, classify(ctx, fmt.Errorf("%s: handshake: %w", name, err))
	}
	if hs.SessionID == "" {
		return Handshake{}, fmt.Errorf("%w: %s: hello-ack without session_id", ErrHandshakeRejected, name)
	}
	return hs, nil
}

// classify marks errors caused by the open deadline as handshake timeouts.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrHandshakeRejected) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
	}
	return err
}

// abortOpen reverts a failed open to Disconnected. Must hold opMu.
func (s *Session) abortOpen(cause error, notify bool) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.transport.Close(ctx, ""); err != nil {
		slog.Debug("protocol: close after failed open", "transport", s.transport.Name(), "err", err)
	}
	s.clearSession()
	if s.State() != StateDisconnected {
		_ = s.fire(evFail)
	}

	s.mu.Lock()
	cancelled := s.closeRequested && errors.Is(cause, context.Canceled)
	s.mu.Unlock()
	if cancelled {
		slog.Info("protocol: open cancelled", "transport", s.transport.Name())
		return
	}
	slog.Warn("protocol: open failed", "transport", s.transport.Name(), "err", cause)
	if notify {
		s.pushEvent(event{kind: eventNetworkError, err: cause})
	}
}

func (s *Session) closeChannel(reason string) error {
	s.mu.Lock()
	s.closeRequested = true
	if s.cancelOpen != nil {
		s.cancelOpen()
	}
	if s.cancelReconnect != nil {
		s.cancelReconnect()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() != StateOpen {
		return nil
	}

	name := s.transport.Name()
	s.mu.Lock()
	sid := s.sessionID
	s.mu.Unlock()
	_ = s.fire(evClose)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.transport.Close(ctx, sid)

	s.clearSession()
	s.outgoing.Clear()
	_ = s.fire(evClosed)
	s.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("protocol: audio channel closed", "transport", name, "session_id", sid, "reason", reason)

	s.pushEvent(event{kind: eventClosed})
	s.pushEvent(event{kind: eventStateChanged, open: false, reason: reason})
	if err != nil {
		return fmt.Errorf("%w: %s: close: %w", ErrTransport, name, err)
	}
	return nil
}

// handleLoss runs the connection-loss path for the connection of generation
// gen: cleanup, listener notification, then optional bounded reconnection.
func (s *Session) handleLoss(gen uint64, cause error) {
	defer s.wg.Done()

	s.opMu.Lock()
	s.mu.Lock()
	current := s.gen
	s.mu.Unlock()
	if gen != current || s.State() != StateOpen {
		s.opMu.Unlock()
		return
	}

	name := s.transport.Name()
	slog.Warn("protocol: connection lost", "transport", name, "err", cause)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	if err := s.transport.Close(ctx, ""); err != nil {
		slog.Debug("protocol: close after loss", "transport", name, "err", err)
	}
	cancel()
	s.clearSession()
	s.outgoing.Clear()
	_ = s.fire(evFail)
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	// Decide on reconnection while still holding opMu so a concurrent
	// CloseAudioChannel either sees the cancel func or has already set
	// closeRequested.
	var (
		sup      *reconnect.Supervisor
		rctx     context.Context
		rcancel  context.CancelFunc
		retrying bool
	)
	s.mu.Lock()
	if s.autoReconnect && s.supervisor != nil && !s.closeRequested {
		sup = s.supervisor
		rctx, rcancel = context.WithCancel(context.Background())
		s.cancelReconnect = rcancel
		retrying = true
	}
	s.mu.Unlock()
	s.opMu.Unlock()

	lossErr := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	s.pushEvent(event{kind: eventClosed})
	s.pushEvent(event{kind: eventStateChanged, open: false, reason: cause.Error()})
	if !retrying {
		s.pushEvent(event{kind: eventNetworkError, err: lossErr})
		return
	}

	defer func() {
		rcancel()
		s.mu.Lock()
		s.cancelReconnect = nil
		s.mu.Unlock()
	}()
	err := sup.Run(rctx, func(ctx context.Context) error {
		return s.open(ctx, false)
	})
	if err == nil {
		return
	}
	// rctx is only cancelled by closeChannel. A stopped supervisor without
	// a close means reconnection was switched off.
	s.mu.Lock()
	cancelled := errors.Is(err, context.Canceled) || s.closeRequested || s.shutdown
	s.mu.Unlock()
	if cancelled && !errors.Is(err, reconnect.ErrAttemptsExhausted) {
		slog.Info("protocol: reconnection cancelled", "transport", name, "err", err)
		return
	}
	s.pushEvent(event{kind: eventNetworkError, err: fmt.Errorf("%w: %w", lossErr, err)})
}

// lost starts the connection-loss path outside the dispatcher, so a stalled
// listener or a full control queue cannot hold it back.
func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.wg.Add(1)
	go s.handleLoss(gen, cause)
}

func (s *Session) onReconnectAttempt(attempt, maxAttempts int, _ time.Duration) {
	s.metrics.RecordReconnectAttempt(context.Background(), s.transport.Name())
	s.pushEvent(event{kind: eventReconnecting, attempt: attempt, max: maxAttempts})
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.negotiated = s.params
	s.mu.Unlock()
}

func (s *Session) fire(name string) error {
	if err := s.machine.Event(context.Background(), name); err != nil {
		slog.Error("protocol: illegal state transition", "event", name, "state", s.machine.Current(), "err", err)
		return fmt.Errorf("protocol: event %s: %w", name, err)
	}
	return nil
}

// ── Dispatch ────────────────────────────────────────────────────────────────

// pushEvent queues ev for the listener. Incoming control messages share a
// drop-oldest queue; lifecycle events are never dropped.
func (s *Session) pushEvent(ev event) {
	if ev.kind != eventJSON {
		s.lifecycle.push(ev)
		return
	}
	if s.events.Push(ev) {
		s.metrics.RecordDrop(context.Background(), "control", 1)
	}
}

// dispatch is the single consumer of incoming audio and control events.
// Every listener call happens here.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case <-s.lifecycle.ready:
		case <-s.events.Ready():
		case <-s.incoming.Ready():
		}
		s.drain()
	}
}

func (s *Session) drain() {
	for {
		progressed := false
		for {
			ev, ok := s.lifecycle.pop()
			if !ok {
				break
			}
			s.deliver(ev)
			progressed = true
		}
		if ev, ok := s.events.Pop(); ok {
			s.deliver(ev)
			progressed = true
		}
		if pkt, ok := s.incoming.Pop(); ok {
			s.call("OnIncomingAudio", func() { s.listener.OnIncomingAudio(pkt) })
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (s *Session) deliver(ev event) {
	switch ev.kind {
	case eventJSON:
		if ev.msg.Type == TypeGoodbye {
			s.onGoodbye(ev.msg)
		}
		s.call("OnIncomingJSON", func() { s.listener.OnIncomingJSON(ev.msg) })
	case eventOpened:
		s.call("OnAudioChannelOpened", s.listener.OnAudioChannelOpened)
	case eventClosed:
		s.call("OnAudioChannelClosed", s.listener.OnAudioChannelClosed)
	case eventNetworkError:
		s.call("OnNetworkError", func() { s.listener.OnNetworkError(ev.err) })
	case eventStateChanged:
		s.call("OnConnectionStateChanged", func() { s.listener.OnConnectionStateChanged(ev.open, ev.reason) })
	case eventReconnecting:
		s.call("OnReconnecting", func() { s.listener.OnReconnecting(ev.attempt, ev.max) })
	}
}

// onGoodbye closes the channel when the server ends the current session.
func (s *Session) onGoodbye(msg Message) {
	sid := s.SessionID()
	if sid == "" || (msg.SessionID != "" && msg.SessionID != sid) {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.closeChannel("server goodbye"); err != nil {
			slog.Warn("protocol: close on goodbye", "err", err)
		}
	}()
}

func (s *Session) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("protocol: listener panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// writeLoop is the single consumer of outbound audio.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.outgoing.Ready():
		}
		for {
			pkt, ok := s.outgoing.Pop()
			if !ok {
				break
			}
			s.writeAudio(pkt)
		}
	}
}

func (s *Session) writeAudio(pkt []byte) {
	if s.State() != StateOpen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.transport.WriteAudio(ctx, pkt); err != nil {
		slog.Debug("protocol: audio write failed", "transport", s.transport.Name(), "err", err)
		return
	}
	s.metrics.RecordPacketSent(ctx, s.transport.Name())
}

// sink routes one connection's traffic into the session queues.
type sink struct {
	s   *Session
	gen uint64
}

var _ Sink = sink{}

func (k sink) HandleJSON(b []byte) {
	msg, err := ParseMessage(b)
	if err != nil {
		k.s.metrics.RecordDecodeError(context.Background(), "json")
		slog.Warn("protocol: dropping control message", "transport", k.s.transport.Name(), "err", err)
		return
	}
	k.s.pushEvent(event{kind: eventJSON, msg: msg, gen: k.gen})
}

func (k sink) HandleAudio(pkt []byte) {
	k.s.metrics.RecordPacketReceived(context.Background(), k.s.transport.Name())
	if k.s.incoming.Push(pkt) {
		k.s.metrics.RecordDrop(context.Background(), "incoming", 1)
	}
}

func (k sink) HandleLoss(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	k.s.lost(k.gen, err)
}

// eventLog is an unbounded FIFO of lifecycle events. There are only a few
// per connection attempt.
type eventLog struct {
	mu    sync.Mutex
	items []event
	ready chan struct{}
}

func (l *eventLog) push(ev event) {
	l.mu.Lock()
	l.items = append(l.items, ev)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *eventLog) pop() (event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return event{}, false
	}
	ev := l.items[0]
	l.items[0] = event{}
	l.items = l.items[1:]
	return ev, true
}
