package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicelink/internal/protocol"
)

// EnvPrefix prefixes every environment override, e.g.
// VOICELINK_WEBSOCKET_ACCESS_TOKEN.
const EnvPrefix = "VOICELINK_"

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(ctx, data, envconfig.OsLookuper())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// parse decodes data, applies overrides from l and defaults, and validates.
func parse(ctx context.Context, data []byte, l envconfig.Lookuper) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(ctx, cfg, l); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with VOICELINK_* variables from l.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	})
	if err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Protocol.Kind == "" {
		cfg.Protocol.Kind = ProtocolWebSocket
	}
	if cfg.Protocol.ClientID == "" {
		cfg.Protocol.ClientID = uuid.NewString()
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.Protocol.ClientID
	}
	if cfg.Protocol.ListenMode == "" {
		cfg.Protocol.ListenMode = string(protocol.ListenAutoStop)
	}
	if cfg.Protocol.HandshakeTimeout == 0 {
		cfg.Protocol.HandshakeTimeout = 10 * time.Second
	}
	ap := &cfg.Protocol.AudioParams
	if ap.Format == "" {
		ap.Format = "opus"
	}
	if ap.SampleRate == 0 {
		ap.SampleRate = 16000
	}
	if ap.Channels == 0 {
		ap.Channels = 1
	}
	if ap.FrameDuration == 0 {
		ap.FrameDuration = 20
	}
	if cfg.WebSocket.ProtocolVersion == 0 {
		cfg.WebSocket.ProtocolVersion = 1
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = 24000
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = 2 * time.Second
	}
	if cfg.Reconnect.MaxBackoff == 0 {
		cfg.Reconnect.MaxBackoff = 30 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; each
// failure wraps [protocol.ErrConfig].
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{protocol.ErrConfig}, args...)...))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	if !cfg.Protocol.Kind.IsValid() {
		bad("protocol.kind %q is invalid; valid values: websocket, mqtt", cfg.Protocol.Kind)
	}
	if m := protocol.ListenMode(cfg.Protocol.ListenMode); m != "" && !m.Valid() {
		bad("protocol.listen_mode %q is invalid; valid values: realtime, auto, manual", m)
	}
	if cfg.Protocol.HandshakeTimeout < 0 {
		bad("protocol.handshake_timeout must not be negative")
	}
	ap := cfg.Protocol.AudioParams
	if ap.SampleRate < 0 || ap.Channels < 0 || ap.FrameDuration < 0 {
		bad("protocol.audio_params must not contain negative values")
	}
	if ap.FrameDuration > 0 && (ap.FrameDuration%10 != 0 || ap.FrameDuration > 120) {
		bad("protocol.audio_params.frame_duration %d must be a multiple of 10 up to 120", ap.FrameDuration)
	}

	switch cfg.Protocol.Kind {
	case ProtocolWebSocket:
		switch u, err := url.Parse(cfg.WebSocket.URL); {
		case cfg.WebSocket.URL == "":
			bad("websocket.url is required when protocol.kind is websocket")
		case err != nil:
			bad("websocket.url: %v", err)
		case u.Scheme != "ws" && u.Scheme != "wss":
			bad("websocket.url scheme %q must be ws or wss", u.Scheme)
		}
		if cfg.WebSocket.AccessToken == "" {
			slog.Warn("websocket.access_token is empty; the backend may reject the connection")
		}
	case ProtocolMQTT:
		if cfg.MQTT.Endpoint == "" {
			bad("mqtt.endpoint is required when protocol.kind is mqtt")
		}
		if cfg.MQTT.PublishTopic == "" {
			bad("mqtt.publish_topic is required when protocol.kind is mqtt")
		}
	}

	if cfg.Audio.DetectionQueueSize < 0 || cfg.Audio.PlaybackQueueSize < 0 {
		bad("audio queue sizes must not be negative")
	}
	if cfg.Audio.PlaybackSampleRate < 0 || cfg.Audio.InputSampleRate < 0 || cfg.Audio.OutputSampleRate < 0 {
		bad("audio sample rates must not be negative")
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		bad("reconnect.max_attempts must not be negative")
	}
	if cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		bad("reconnect backoff must not be negative")
	}
	if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		bad("reconnect.backoff %s exceeds reconnect.max_backoff %s", cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff)
	}

	return errors.Join(errs...)
}
