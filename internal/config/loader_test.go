package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/protocol"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string // substring; empty means valid
	}{
		{
			name: "websocket minimal",
			yaml: "websocket:\n  url: ws://localhost:8000/\n",
		},
		{
			name: "mqtt minimal",
			yaml: "protocol:\n  kind: mqtt\nmqtt:\n  endpoint: mqtt.example.com\n  publish_topic: device-server\n",
		},
		{
			name:    "websocket without url",
			yaml:    "protocol:\n  kind: websocket\n",
			wantErr: "websocket.url is required",
		},
		{
			name:    "websocket bad scheme",
			yaml:    "websocket:\n  url: http://localhost/\n",
			wantErr: "must be ws or wss",
		},
		{
			name:    "mqtt without endpoint",
			yaml:    "protocol:\n  kind: mqtt\nmqtt:\n  publish_topic: t\n",
			wantErr: "mqtt.endpoint is required",
		},
		{
			name:    "mqtt without publish topic",
			yaml:    "protocol:\n  kind: mqtt\nmqtt:\n  endpoint: mqtt.example.com\n",
			wantErr: "mqtt.publish_topic is required",
		},
		{
			name:    "unknown protocol",
			yaml:    "protocol:\n  kind: carrier-pigeon\n",
			wantErr: "protocol.kind",
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\nwebsocket:\n  url: ws://x/\n",
			wantErr: "server.log_level",
		},
		{
			name:    "bad listen mode",
			yaml:    "protocol:\n  listen_mode: always\nwebsocket:\n  url: ws://x/\n",
			wantErr: "protocol.listen_mode",
		},
		{
			name:    "odd frame duration",
			yaml:    "protocol:\n  audio_params:\n    frame_duration: 25\nwebsocket:\n  url: ws://x/\n",
			wantErr: "frame_duration",
		},
		{
			name:    "backoff above max",
			yaml:    "reconnect:\n  backoff: 40s\n  max_backoff: 30s\nwebsocket:\n  url: ws://x/\n",
			wantErr: "exceeds reconnect.max_backoff",
		},
		{
			name:    "negative attempts",
			yaml:    "reconnect:\n  max_attempts: -1\nwebsocket:\n  url: ws://x/\n",
			wantErr: "max_attempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
			if !errors.Is(err, protocol.ErrConfig) {
				t.Errorf("error should wrap ErrConfig, got: %v", err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
protocol:
  kind: mqtt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "mqtt.endpoint", "mqtt.publish_topic"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyDefaults_MQTTClientIDFollowsProtocol(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Protocol: config.ProtocolConfig{ClientID: "fixed"}}
	config.ApplyDefaults(cfg)
	if cfg.MQTT.ClientID != "fixed" {
		t.Errorf("mqtt.client_id = %q, want fixed", cfg.MQTT.ClientID)
	}
}
