// Package config provides the configuration schema, loader, and transport
// registry for the voicelink client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProtocolKind selects the wire protocol.
type ProtocolKind string

const (
	// ProtocolWebSocket carries control and audio over one WebSocket.
	ProtocolWebSocket ProtocolKind = "websocket"

	// ProtocolMQTT carries control over an MQTT broker and audio over
	// encrypted UDP.
	ProtocolMQTT ProtocolKind = "mqtt"
)

// IsValid reports whether p is a recognised protocol.
func (p ProtocolKind) IsValid() bool {
	return p == ProtocolWebSocket || p == ProtocolMQTT
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overridden from the environment with [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server" env:", prefix=SERVER_"`
	Protocol  ProtocolConfig  `yaml:"protocol" env:", prefix=PROTOCOL_"`
	WebSocket WebSocketConfig `yaml:"websocket" env:", prefix=WEBSOCKET_"`
	MQTT      MQTTConfig      `yaml:"mqtt" env:", prefix=MQTT_"`
	Audio     AudioConfig     `yaml:"audio" env:", prefix=AUDIO_"`
	Reconnect ReconnectConfig `yaml:"reconnect" env:", prefix=RECONNECT_"`
}

// ServerConfig holds the local HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics (e.g. ":9464").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR, overwrite"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL, overwrite"`
}

// ProtocolConfig holds settings shared by both transports.
type ProtocolConfig struct {
	// Kind selects the transport.
	Kind ProtocolKind `yaml:"kind" env:"KIND, overwrite"`

	// DeviceID identifies the device to the backend, usually a MAC address.
	DeviceID string `yaml:"device_id" env:"DEVICE_ID, overwrite"`

	// ClientID identifies this client installation. A random UUID is
	// generated when empty.
	ClientID string `yaml:"client_id" env:"CLIENT_ID, overwrite"`

	// MCP advertises tool-protocol support in the hello.
	MCP bool `yaml:"mcp" env:"MCP, overwrite"`

	// ListenMode is sent with every start-listening message: realtime, auto
	// or manual. Defaults to auto.
	ListenMode string `yaml:"listen_mode" env:"LISTEN_MODE, overwrite"`

	// HandshakeTimeout bounds OpenAudioChannel. Defaults to 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT, overwrite"`

	// AudioParams are the capture parameters announced in the hello.
	AudioParams AudioParamsConfig `yaml:"audio_params" env:", prefix=AUDIO_PARAMS_"`
}

// AudioParamsConfig mirrors the hello audio_params block.
type AudioParamsConfig struct {
	Format        string `yaml:"format" env:"FORMAT, overwrite"`
	SampleRate    int    `yaml:"sample_rate" env:"SAMPLE_RATE, overwrite"`
	Channels      int    `yaml:"channels" env:"CHANNELS, overwrite"`
	FrameDuration int    `yaml:"frame_duration" env:"FRAME_DURATION, overwrite"` // milliseconds
}

// WebSocketConfig configures the socket transport.
type WebSocketConfig struct {
	// URL is the voice backend endpoint (ws:// or wss://).
	URL string `yaml:"url" env:"URL, overwrite"`

	// AccessToken is sent as a Bearer token.
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN, overwrite"`

	// ProtocolVersion is sent in the Protocol-Version header. Defaults to 1.
	ProtocolVersion int `yaml:"protocol_version" env:"PROTOCOL_VERSION, overwrite"`

	// PingInterval is the keep-alive period. Defaults to 20s.
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL, overwrite"`

	// PongTimeout bounds the wait for a pong. Defaults to 20s.
	PongTimeout time.Duration `yaml:"pong_timeout" env:"PONG_TIMEOUT, overwrite"`
}

// MQTTConfig configures the broker transport.
type MQTTConfig struct {
	// Endpoint is "host", "host:port" or a full broker URL.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT, overwrite"`

	ClientID string `yaml:"client_id" env:"CLIENT_ID, overwrite"`
	Username string `yaml:"username" env:"USERNAME, overwrite"`
	Password string `yaml:"password" env:"PASSWORD, overwrite"`

	// PublishTopic receives client messages.
	PublishTopic string `yaml:"publish_topic" env:"PUBLISH_TOPIC, overwrite"`

	// SubscribeTopic carries server messages. Empty or "null" disables it.
	SubscribeTopic string `yaml:"subscribe_topic" env:"SUBSCRIBE_TOPIC, overwrite"`

	// KeepAlive is the MQTT keep-alive period. Defaults to 240s.
	KeepAlive time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE, overwrite"`
}

// AudioConfig configures hardware streams and queues.
type AudioConfig struct {
	// InputDevice and OutputDevice select the capture and playback devices by
	// name, case-insensitively. Empty selects the system default. A change in
	// either reopens the stream on hot reload.
	InputDevice  string `yaml:"input_device" env:"INPUT_DEVICE, overwrite"`
	OutputDevice string `yaml:"output_device" env:"OUTPUT_DEVICE, overwrite"`

	// InputSampleRate and OutputSampleRate request device rates. Zero uses
	// the codec rates.
	InputSampleRate  int `yaml:"input_sample_rate" env:"INPUT_SAMPLE_RATE, overwrite"`
	OutputSampleRate int `yaml:"output_sample_rate" env:"OUTPUT_SAMPLE_RATE, overwrite"`

	// PlaybackSampleRate is the decode rate for server audio. Defaults to 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate" env:"PLAYBACK_SAMPLE_RATE, overwrite"`

	// PeriodFrames is the preferred hardware callback size.
	PeriodFrames int `yaml:"period_frames" env:"PERIOD_FRAMES, overwrite"`

	// DetectionQueueSize and PlaybackQueueSize bound the frame queues.
	DetectionQueueSize int `yaml:"detection_queue_size" env:"DETECTION_QUEUE_SIZE, overwrite"`
	PlaybackQueueSize  int `yaml:"playback_queue_size" env:"PLAYBACK_QUEUE_SIZE, overwrite"`

	// EchoCancellation enables echo cancellation when a canceller is linked in.
	EchoCancellation bool `yaml:"echo_cancellation" env:"ECHO_CANCELLATION, overwrite"`
}

// ReconnectConfig controls automatic reconnection after connection loss.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED, overwrite"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS, overwrite"`
	Backoff     time.Duration `yaml:"backoff" env:"BACKOFF, overwrite"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF, overwrite"`
}
