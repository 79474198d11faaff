package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/pipeline"
	"github.com/MrWong99/voicelink/internal/protocol"
)

// DeviceState is the conversational state of the client.
type DeviceState int32

const (
	// StateIdle means no turn is in progress.
	StateIdle DeviceState = iota
	// StateListening means microphone audio is streamed to the server.
	StateListening
	// StateSpeaking means the server is playing a response.
	StateSpeaking
)

// String returns the lower-case state name.
func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("DeviceState(%d)", int32(s))
	}
}

// SessionInfo holds metadata about the active conversation.
type SessionInfo struct {
	// SessionID is the server-assigned session identifier.
	SessionID string

	// ListenMode is the mode sent with start-listening messages.
	ListenMode protocol.ListenMode

	// AudioParams are the negotiated server audio parameters.
	AudioParams protocol.AudioParams

	// StartedAt is when the audio channel was opened.
	StartedAt time.Time
}

// SessionManager runs one conversation at a time on top of a
// [protocol.Session] and a [pipeline.Pipeline]: it opens the audio channel,
// starts the hardware streams, and keeps the listening turn going across
// server responses and reconnects. It is the session's [protocol.Listener].
type SessionManager struct {
	pipe *pipeline.Pipeline
	mode protocol.ListenMode

	mu      sync.Mutex
	session *protocol.Session
	active  bool
	lost    bool
	info    SessionInfo

	state    atomic.Int32
	terminal chan error
}

var _ protocol.Listener = (*SessionManager)(nil)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Pipeline *pipeline.Pipeline

	// ListenMode defaults to [protocol.ListenAutoStop].
	ListenMode protocol.ListenMode
}

// NewSessionManager returns a SessionManager. Call [SessionManager.Attach]
// with the session that uses it as listener before Start.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	mode := cfg.ListenMode
	if !mode.Valid() {
		mode = protocol.ListenAutoStop
	}
	return &SessionManager{
		pipe:     cfg.Pipeline,
		mode:     mode,
		terminal: make(chan error, 1),
	}
}

// Attach binds the protocol session driven by Start and Stop.
func (sm *SessionManager) Attach(s *protocol.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = s
}

// Start opens the audio channel, starts the hardware streams and begins a
// listening turn. Missing audio hardware is logged and tolerated; a failed
// handshake is returned.
//
// Returns an error if a conversation is already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("app: a session is already active (id=%s)", sm.info.SessionID)
	}
	if sm.session == nil {
		return errors.New("app: no protocol session attached")
	}

	if err := sm.pipe.Start(); errors.Is(err, pipeline.ErrClosed) {
		return fmt.Errorf("app: start pipeline: %w", err)
	}
	if err := sm.session.OpenAudioChannel(ctx); err != nil {
		sm.pipe.Stop()
		return fmt.Errorf("app: open audio channel: %w", err)
	}
	if err := sm.session.SendStartListening(ctx, sm.mode); err != nil {
		slog.Warn("app: start listening failed", "err", err)
	}

	sm.active = true
	sm.lost = false
	sm.state.Store(int32(StateListening))
	sm.info = SessionInfo{
		SessionID:   sm.session.SessionID(),
		ListenMode:  sm.mode,
		AudioParams: sm.session.AudioParams(),
		StartedAt:   time.Now().UTC(),
	}

	slog.Info("session started",
		"session_id", sm.info.SessionID,
		"listen_mode", sm.mode,
		"sample_rate", sm.info.AudioParams.SampleRate,
	)
	return nil
}

// Stop ends the listening turn, closes the audio channel and stops the
// hardware streams. Queued playback is discarded.
//
// Returns an error if no conversation is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return errors.New("app: no active session to stop")
	}
	sessionID := sm.info.SessionID
	sm.active = false

	if sm.session.State() == protocol.StateOpen {
		if err := sm.session.SendStopListening(ctx); err != nil {
			slog.Warn("app: stop listening failed", "session_id", sessionID, "err", err)
		}
	}
	err := sm.session.CloseAudioChannel()
	if err != nil {
		slog.Warn("app: close audio channel", "session_id", sessionID, "err", err)
	}
	sm.pipe.Stop()
	sm.pipe.ClearPlayback()

	sm.state.Store(int32(StateIdle))
	sm.info = SessionInfo{}
	slog.Info("session stopped", "session_id", sessionID)
	return err
}

// IsActive reports whether Start succeeded and Stop has not been called.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active conversation, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// State returns the current device state.
func (sm *SessionManager) State() DeviceState {
	return DeviceState(sm.state.Load())
}

// Terminal delivers the error that ended an active conversation for good:
// a connection loss without reconnection or after the attempts ran out.
func (sm *SessionManager) Terminal() <-chan error {
	return sm.terminal
}

// ── protocol.Listener ───────────────────────────────────────────────────────

// OnIncomingJSON tracks server speech turns.
func (sm *SessionManager) OnIncomingJSON(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeTTS, protocol.TypeSTT, protocol.TypeLLM:
	default:
		slog.Debug("app: control message", "type", msg.Type)
		return
	}
	var ev protocol.ServerEvent
	if err := msg.Decode(&ev); err != nil {
		slog.Debug("app: dropping malformed message", "type", msg.Type, "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeSTT:
		slog.Info("user said", "text", ev.Text)
	case protocol.TypeLLM:
		slog.Debug("assistant emotion", "emotion", ev.Emotion)
	case protocol.TypeTTS:
		switch ev.State {
		case protocol.TTSStart:
			if sm.mode != protocol.ListenRealtime {
				sm.setState(StateSpeaking)
			}
		case protocol.TTSSentenceStart:
			slog.Info("assistant said", "text", ev.Text)
		case protocol.TTSStop:
			sm.endSpeech()
		}
	}
}

// OnIncomingAudio queues server audio for playback.
func (sm *SessionManager) OnIncomingAudio(pkt []byte) {
	if err := sm.pipe.WriteAudio(pkt); err != nil {
		slog.Debug("app: dropping server audio", "err", err)
	}
}

// OnAudioChannelOpened resumes listening after a successful reconnect.
func (sm *SessionManager) OnAudioChannelOpened() {
	sm.mu.Lock()
	resume := sm.active && sm.lost
	sm.lost = false
	if resume {
		sm.info.SessionID = sm.session.SessionID()
		sm.info.AudioParams = sm.session.AudioParams()
	}
	sm.mu.Unlock()
	if !resume {
		return
	}
	slog.Info("session resumed", "session_id", sm.Info().SessionID)
	sm.listen()
}

// OnAudioChannelClosed drops pending playback.
func (sm *SessionManager) OnAudioChannelClosed() {
	sm.pipe.ClearPlayback()
	sm.setState(StateIdle)
	sm.mu.Lock()
	if sm.active {
		sm.lost = true
	}
	sm.mu.Unlock()
}

// OnNetworkError reports connection-loss errors of an active conversation
// on [SessionManager.Terminal].
func (sm *SessionManager) OnNetworkError(err error) {
	slog.Error("network error", "err", err)
	if !errors.Is(err, protocol.ErrConnectionLost) || !sm.IsActive() {
		return
	}
	select {
	case sm.terminal <- err:
	default:
	}
}

// OnConnectionStateChanged logs connection transitions.
func (sm *SessionManager) OnConnectionStateChanged(open bool, reason string) {
	slog.Info("connection state changed", "open", open, "reason", reason)
}

// OnReconnecting logs reconnection attempts.
func (sm *SessionManager) OnReconnecting(attempt, maxAttempts int) {
	slog.Warn("reconnecting", "attempt", attempt, "max_attempts", maxAttempts)
}

// endSpeech returns to listening in auto mode and to idle in manual mode.
func (sm *SessionManager) endSpeech() {
	switch sm.mode {
	case protocol.ListenAutoStop:
		sm.listen()
	case protocol.ListenManual:
		sm.setState(StateIdle)
	}
}

func (sm *SessionManager) listen() {
	sm.mu.Lock()
	s := sm.session
	sm.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.SendStartListening(ctx, sm.mode); err != nil {
		slog.Warn("app: start listening failed", "err", err)
		return
	}
	sm.setState(StateListening)
}

func (sm *SessionManager) setState(s DeviceState) {
	if prev := DeviceState(sm.state.Swap(int32(s))); prev != s {
		slog.Debug("device state", "from", prev, "to", s)
	}
}
