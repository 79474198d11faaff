package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/protocol"
	"github.com/MrWong99/voicelink/internal/protocol/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9464"
  log_level: debug

protocol:
  kind: websocket
  device_id: "aa:bb:cc:dd:ee:ff"
  client_id: "3b2f4c1e-1111-4f6a-9a7e-2d3c4b5a6978"
  mcp: true
  handshake_timeout: 5s
  audio_params:
    format: opus
    sample_rate: 16000
    channels: 1
    frame_duration: 60

websocket:
  url: wss://voice.example.com/v1/
  access_token: test-token
  ping_interval: 15s

mqtt:
  endpoint: mqtt.example.com
  publish_topic: device-server

audio:
  input_sample_rate: 48000
  playback_queue_size: 200
  echo_cancellation: true

reconnect:
  enabled: true
  max_attempts: 3
  backoff: 1s
  max_backoff: 10s
`

func mustLoad(t *testing.T, y string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(y))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	want := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9464", LogLevel: config.LogDebug},
		Protocol: config.ProtocolConfig{
			Kind:             config.ProtocolWebSocket,
			DeviceID:         "aa:bb:cc:dd:ee:ff",
			ClientID:         "3b2f4c1e-1111-4f6a-9a7e-2d3c4b5a6978",
			MCP:              true,
			ListenMode:       "auto",
			HandshakeTimeout: 5 * time.Second,
			AudioParams:      config.AudioParamsConfig{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60},
		},
		WebSocket: config.WebSocketConfig{
			URL:             "wss://voice.example.com/v1/",
			AccessToken:     "test-token",
			ProtocolVersion: 1,
			PingInterval:    15 * time.Second,
		},
		MQTT: config.MQTTConfig{
			Endpoint:     "mqtt.example.com",
			ClientID:     "3b2f4c1e-1111-4f6a-9a7e-2d3c4b5a6978",
			PublishTopic: "device-server",
		},
		Audio: config.AudioConfig{
			InputSampleRate:    48000,
			PlaybackSampleRate: 24000,
			PlaybackQueueSize:  200,
			EchoCancellation:   true,
		},
		Reconnect: config.ReconnectConfig{Enabled: true, MaxAttempts: 3, Backoff: time.Second, MaxBackoff: 10 * time.Second},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "websocket:\n  url: ws://localhost:8000/\n")

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Protocol.Kind != config.ProtocolWebSocket {
		t.Errorf("kind = %q, want websocket", cfg.Protocol.Kind)
	}
	if _, err := uuid.Parse(cfg.Protocol.ClientID); err != nil {
		t.Errorf("client_id %q is not a UUID: %v", cfg.Protocol.ClientID, err)
	}
	if cfg.Protocol.ListenMode != "auto" {
		t.Errorf("listen_mode = %q, want auto", cfg.Protocol.ListenMode)
	}
	if cfg.Protocol.HandshakeTimeout != 10*time.Second {
		t.Errorf("handshake_timeout = %s, want 10s", cfg.Protocol.HandshakeTimeout)
	}
	wantParams := config.AudioParamsConfig{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20}
	if cfg.Protocol.AudioParams != wantParams {
		t.Errorf("audio_params = %+v, want %+v", cfg.Protocol.AudioParams, wantParams)
	}
	if cfg.Audio.PlaybackSampleRate != 24000 {
		t.Errorf("playback_sample_rate = %d, want 24000", cfg.Audio.PlaybackSampleRate)
	}
	wantRec := config.ReconnectConfig{MaxAttempts: 5, Backoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
	if cfg.Reconnect != wantRec {
		t.Errorf("reconnect = %+v, want %+v", cfg.Reconnect, wantRec)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("websocket:\n  url: ws://x/\n  bogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicelink.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICELINK_WEBSOCKET_ACCESS_TOKEN", "from-env")

	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebSocket.AccessToken != "from-env" {
		t.Errorf("access_token = %q, want from-env", cfg.WebSocket.AccessToken)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(context.Background(), "/nonexistent/voicelink.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Environment overrides ─────────────────────────────────────────────────────

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	err := config.ApplyEnv(context.Background(), cfg, envconfig.MapLookuper(map[string]string{
		"VOICELINK_PROTOCOL_KIND":                     "mqtt",
		"VOICELINK_MQTT_PASSWORD":                     "s3cret",
		"VOICELINK_RECONNECT_ENABLED":                 "false",
		"VOICELINK_RECONNECT_BACKOFF":                 "3s",
		"VOICELINK_PROTOCOL_AUDIO_PARAMS_SAMPLE_RATE": "24000",
		"SERVER_LOG_LEVEL":                            "error", // no prefix, ignored
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Protocol.Kind != config.ProtocolMQTT {
		t.Errorf("kind = %q, want mqtt", cfg.Protocol.Kind)
	}
	if cfg.MQTT.Password != "s3cret" {
		t.Errorf("mqtt.password = %q", cfg.MQTT.Password)
	}
	if cfg.Reconnect.Enabled {
		t.Error("reconnect.enabled not overridden to false")
	}
	if cfg.Reconnect.Backoff != 3*time.Second {
		t.Errorf("reconnect.backoff = %s, want 3s", cfg.Reconnect.Backoff)
	}
	if cfg.Protocol.AudioParams.SampleRate != 24000 {
		t.Errorf("sample_rate = %d, want 24000", cfg.Protocol.AudioParams.SampleRate)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, unprefixed variable must be ignored", cfg.Server.LogLevel)
	}
	if cfg.WebSocket.AccessToken != "test-token" {
		t.Errorf("access_token = %q, unset variable must keep the file value", cfg.WebSocket.AccessToken)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	err := config.ApplyEnv(context.Background(), cfg, envconfig.MapLookuper(map[string]string{
		"VOICELINK_RECONNECT_MAX_ATTEMPTS": "many",
	}))
	if err == nil {
		t.Fatal("expected error for non-numeric max_attempts")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Transport{TransportName: "socket"}
	reg.Register(config.ProtocolWebSocket, func(*config.Config) (protocol.Transport, error) {
		return want, nil
	})

	cfg := mustLoad(t, sampleYAML)
	got, err := reg.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != want {
		t.Error("Create returned a different transport")
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	cfg := mustLoad(t, sampleYAML)
	cfg.Protocol.Kind = config.ProtocolMQTT
	if _, err := reg.Create(cfg); !errors.Is(err, config.ErrTransportNotRegistered) {
		t.Errorf("err = %v, want ErrTransportNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register(config.ProtocolWebSocket, func(*config.Config) (protocol.Transport, error) {
		return nil, protocol.ErrConfig
	})
	if _, err := reg.Create(mustLoad(t, sampleYAML)); !errors.Is(err, protocol.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestRegistry_Kinds(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register(config.ProtocolWebSocket, nil)
	reg.Register(config.ProtocolMQTT, nil)
	got := reg.Kinds()
	want := []config.ProtocolKind{config.ProtocolMQTT, config.ProtocolWebSocket}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	for in, want := range map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"verbose":       slog.LevelInfo,
	} {
		if got := in.Slog(); got != want {
			t.Errorf("%q.Slog() = %v, want %v", in, got, want)
		}
	}
}
