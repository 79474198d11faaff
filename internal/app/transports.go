package app

import (
	"fmt"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/protocol"
	"github.com/MrWong99/voicelink/internal/protocol/broker"
	"github.com/MrWong99/voicelink/internal/protocol/socket"
)

// NewRegistry returns a registry with the websocket and mqtt transports
// registered. Broker transports record to m.
func NewRegistry(m *observe.Metrics) *config.Registry {
	r := config.NewRegistry()
	r.Register(config.ProtocolWebSocket, newSocketTransport)
	r.Register(config.ProtocolMQTT, func(cfg *config.Config) (protocol.Transport, error) {
		return newBrokerTransport(cfg, broker.WithMetrics(m))
	})
	return r
}

func newSocketTransport(cfg *config.Config) (protocol.Transport, error) {
	ws := cfg.WebSocket
	if ws.URL == "" {
		return nil, fmt.Errorf("%w: websocket url is empty", protocol.ErrConfig)
	}
	return socket.New(socket.Config{
		URL:             ws.URL,
		AccessToken:     ws.AccessToken,
		DeviceID:        cfg.Protocol.DeviceID,
		ClientID:        cfg.Protocol.ClientID,
		ProtocolVersion: ws.ProtocolVersion,
		MCP:             cfg.Protocol.MCP,
		PingInterval:    ws.PingInterval,
		PongTimeout:     ws.PongTimeout,
	}), nil
}

func newBrokerTransport(cfg *config.Config, opts ...broker.Option) (protocol.Transport, error) {
	mq := cfg.MQTT
	if mq.Endpoint == "" || mq.PublishTopic == "" {
		return nil, fmt.Errorf("%w: mqtt endpoint and publish topic are required", protocol.ErrConfig)
	}
	return broker.New(broker.Config{
		Endpoint:       mq.Endpoint,
		ClientID:       mq.ClientID,
		Username:       mq.Username,
		Password:       mq.Password,
		PublishTopic:   mq.PublishTopic,
		SubscribeTopic: mq.SubscribeTopic,
		MCP:            cfg.Protocol.MCP,
		KeepAlive:      mq.KeepAlive,
	}, opts...), nil
}
