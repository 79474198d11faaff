package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport tags carried in hello messages.
const (
	TransportSocket   = "socket"
	TransportUDPMedia = "udp-media"
)

// Message types of the control vocabulary.
const (
	TypeHello   = "hello"
	TypeGoodbye = "goodbye"
	TypeListen  = "listen"
	TypeAbort   = "abort"
	TypeMCP     = "mcp"
	TypeIoT     = "iot"
	TypeTTS     = "tts"
	TypeSTT     = "stt"
	TypeLLM     = "llm"
)

// ListenMode selects how the server decides when the user stopped talking.
type ListenMode string

const (
	// ListenRealtime streams continuously; the server may interrupt playback.
	ListenRealtime ListenMode = "realtime"
	// ListenAutoStop lets the server end the turn on silence.
	ListenAutoStop ListenMode = "auto"
	// ListenManual ends the turn only on an explicit stop.
	ListenManual ListenMode = "manual"
)

// Valid reports whether m is one of the defined modes.
func (m ListenMode) Valid() bool {
	switch m {
	case ListenRealtime, ListenAutoStop, ListenManual:
		return true
	}
	return false
}

// Abort reasons understood by the server.
const (
	AbortReasonNone     = ""
	AbortReasonWakeWord = "wake_word_detected"
	AbortReasonUser     = "user_interruption"
)

// AudioParams describes the codec contract of one direction.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// DefaultAudioParams is the capture contract the client announces.
func DefaultAudioParams() AudioParams {
	return AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20}
}

// Frame returns the frame duration.
func (p AudioParams) Frame() time.Duration {
	return time.Duration(p.FrameDuration) * time.Millisecond
}

// Features advertises optional client capabilities.
type Features struct {
	MCP bool `json:"mcp"`
}

// Hello is the client handshake message.
type Hello struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Features    *Features   `json:"features,omitempty"`
	Transport   string      `json:"transport"`
	AudioParams AudioParams `json:"audio_params"`
}

// NewHello builds a client hello for transport.
func NewHello(version int, transport string, params AudioParams, mcp bool) Hello {
	h := Hello{Type: TypeHello, Version: version, Transport: transport, AudioParams: params}
	if mcp {
		h.Features = &Features{MCP: true}
	}
	return h
}

// UDPParams is the media endpoint and key material of a udp-media hello-ack.
// Key and Nonce are hex encoded.
type UDPParams struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
	Key    string `json:"key"`
	Nonce  string `json:"nonce"`
}

// ServerHello is the server's answer to [Hello].
type ServerHello struct {
	Type        string       `json:"type"`
	Transport   string       `json:"transport"`
	SessionID   string       `json:"session_id"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	UDP         *UDPParams   `json:"udp,omitempty"`
}

// Handshake is the outcome of a successful transport handshake.
type Handshake struct {
	SessionID   string
	Transport   string
	AudioParams AudioParams
}

// CheckServerHello validates the fields shared by every transport: the
// transport tag must echo want and a session_id must be present. Failures
// wrap [ErrHandshakeRejected].
func CheckServerHello(h ServerHello, want string) error {
	if h.Transport != want {
		return fmt.Errorf("%w: transport %q, want %q", ErrHandshakeRejected, h.Transport, want)
	}
	if h.SessionID == "" {
		return fmt.Errorf("%w: hello-ack without session_id", ErrHandshakeRejected)
	}
	return nil
}

// Message is an incoming control message. Raw holds the complete JSON
// object for type-specific decoding.
type Message struct {
	Type      string
	SessionID string
	Raw       json.RawMessage
}

// ParseMessage decodes the envelope of a control message. Failures wrap [ErrDecode].
func ParseMessage(b []byte) (Message, error) {
	var env struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	return Message{Type: env.Type, SessionID: env.SessionID, Raw: json.RawMessage(b)}, nil
}

// Decode unmarshals the full message into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, m.Type, err)
	}
	return nil
}

// TTS states announced by the server.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// ServerEvent is the shape shared by tts, stt and llm messages.
type ServerEvent struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Text    string `json:"text,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// ── Outgoing control vocabulary ─────────────────────────────────────────────

type listenMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

type abortMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
}

type mcpMessage struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type iotMessage struct {
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	Update      bool   `json:"update"`
	Descriptors any    `json:"descriptors,omitempty"`
	States      any    `json:"states,omitempty"`
}

type goodbyeMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
}

// Goodbye returns the message announcing the end of sessionID.
func Goodbye(sessionID string) []byte {
	b, _ := json.Marshal(goodbyeMessage{SessionID: sessionID, Type: TypeGoodbye})
	return b
}
