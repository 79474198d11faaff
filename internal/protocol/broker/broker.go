// Package broker implements the split transport: control messages travel
// over an MQTT broker and audio over a per-session AES-CTR encrypted UDP
// channel negotiated in the hello-ack.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/protocol"
)

// Default broker parameters.
const (
	helloVersion      = 3
	defaultTLSPort    = 8883
	defaultKeepAlive  = 240 * time.Second
	disconnectQuiesce = 250 // milliseconds
	publishQoS        = 0
	subscribeQoS      = 1
)

var _ protocol.Transport = (*Transport)(nil)

// Config configures a [Transport].
type Config struct {
	// Endpoint is the broker address: "host", "host:port" or a full
	// "scheme://host:port" URL. Without a port, TLS on 8883 is used.
	Endpoint string

	ClientID string
	Username string
	Password string

	// PublishTopic receives client messages. Required.
	PublishTopic string

	// SubscribeTopic carries server messages. Empty (or "null") means the
	// server sends nothing over the broker besides what the session needs
	// at handshake, which then must arrive on a default route.
	SubscribeTopic string

	// MCP advertises tool-protocol support in the hello.
	MCP bool

	// KeepAlive is the MQTT keep-alive period. Defaults to 240s.
	KeepAlive time.Duration

	// TLSConfig is used for TLS endpoints. Defaults to system roots.
	TLSConfig *tls.Config
}

// Option configures a [Transport].
type Option func(*Transport)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithClientFactory replaces the MQTT client constructor.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(t *Transport) { t.newClient = f }
}

// Transport is the MQTT + UDP [protocol.Transport].
type Transport struct {
	cfg       Config
	metrics   *observe.Metrics
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu  sync.Mutex
	cur *link
}

// New returns a Transport for cfg.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.SubscribeTopic == "null" {
		cfg.SubscribeTopic = ""
	}
	t := &Transport{cfg: cfg, newClient: mqtt.NewClient}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Name implements [protocol.Transport].
func (t *Transport) Name() string { return protocol.TransportUDPMedia }

// brokerURL turns the configured endpoint into a paho broker URL.
func brokerURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("%w: broker: empty endpoint", protocol.ErrConfig)
	}
	if strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	host, port := endpoint, defaultTLSPort
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("%w: broker: bad port in %q", protocol.ErrConfig, endpoint)
		}
		host, port = h, n
	}
	scheme := "tcp"
	if port == defaultTLSPort {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port))), nil
}

// Dial implements [protocol.Transport].
func (t *Transport) Dial(ctx context.Context, sink protocol.Sink) error {
	url, err := brokerURL(t.cfg.Endpoint)
	if err != nil {
		return err
	}
	if t.cfg.PublishTopic == "" {
		return fmt.Errorf("%w: broker: empty publish topic", protocol.ErrConfig)
	}

	l := &link{
		sink:    sink,
		hello:   make(chan protocol.ServerHello, 1),
		lost:    make(chan struct{}),
		metrics: t.metrics,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetKeepAlive(t.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(l.onMessage).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.lose(fmt.Errorf("control connection: %w", err))
		})
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "tls://") || strings.HasPrefix(url, "wss://") {
		tc := t.cfg.TLSConfig
		if tc == nil {
			tc = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.SetTLSConfig(tc)
	}

	l.client = t.newClient(opts)
	if err := waitToken(ctx, l.client.Connect()); err != nil {
		l.client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("broker: connect %s: %w", url, err)
	}
	if t.cfg.SubscribeTopic != "" {
		if err := waitToken(ctx, l.client.Subscribe(t.cfg.SubscribeTopic, subscribeQoS, l.onMessage)); err != nil {
			l.client.Disconnect(disconnectQuiesce)
			return fmt.Errorf("broker: subscribe %s: %w", t.cfg.SubscribeTopic, err)
		}
	}

	t.mu.Lock()
	prev := t.cur
	t.cur = l
	t.mu.Unlock()
	if prev != nil {
		prev.close(ctx, t.cfg.PublishTopic, "")
	}
	slog.Debug("broker: connected", "url", url, "subscribe", t.cfg.SubscribeTopic)
	return nil
}

// Handshake implements [protocol.Transport]. The media channel is opened
// only after a complete hello-ack.
func (t *Transport) Handshake(ctx context.Context, params protocol.AudioParams) (protocol.Handshake, error) {
	l := t.current()
	if l == nil {
		return protocol.Handshake{}, fmt.Errorf("%w: broker: handshake: %w", protocol.ErrTransport, protocol.ErrNotOpen)
	}

	hello, err := json.Marshal(protocol.NewHello(helloVersion, protocol.TransportUDPMedia, params, t.cfg.MCP))
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("broker: encode hello: %w", err)
	}
	if err := waitToken(ctx, l.client.Publish(t.cfg.PublishTopic, publishQoS, false, hello)); err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: broker: publish hello: %w", protocol.ErrTransport, err)
	}

	var h protocol.ServerHello
	select {
	case h = <-l.hello:
	case <-l.lost:
		return protocol.Handshake{}, fmt.Errorf("%w: broker: connection closed during handshake", protocol.ErrTransport)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Handshake{}, fmt.Errorf("%w: broker: no hello-ack: %w", protocol.ErrHandshakeTimeout, ctx.Err())
		}
		return protocol.Handshake{}, fmt.Errorf("broker: handshake: %w", ctx.Err())
	}

	if err := protocol.CheckServerHello(h, protocol.TransportUDPMedia); err != nil {
		return protocol.Handshake{}, fmt.Errorf("broker: %w", err)
	}
	if h.UDP == nil || h.UDP.Server == "" || h.UDP.Port <= 0 {
		return protocol.Handshake{}, fmt.Errorf("%w: broker: hello-ack without media endpoint", protocol.ErrHandshakeRejected)
	}
	mc, err := newMediaCipher(h.UDP.Key, h.UDP.Nonce)
	if err != nil {
		return protocol.Handshake{}, err
	}
	media, err := dialMedia(ctx, h.UDP.Server, h.UDP.Port, mc, l.sink.HandleAudio, t.metrics)
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	l.setMedia(media)

	negotiated := params
	if h.AudioParams != nil {
		negotiated = *h.AudioParams
	}
	slog.Info("broker: media channel negotiated",
		"session_id", h.SessionID,
		"server", h.UDP.Server,
		"port", h.UDP.Port,
	)
	return protocol.Handshake{SessionID: h.SessionID, Transport: h.Transport, AudioParams: negotiated}, nil
}

// WriteText implements [protocol.Transport].
func (t *Transport) WriteText(ctx context.Context, msg []byte) error {
	l := t.current()
	if l == nil || !l.client.IsConnectionOpen() {
		return protocol.ErrNotOpen
	}
	if err := waitToken(ctx, l.client.Publish(t.cfg.PublishTopic, publishQoS, false, msg)); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// WriteAudio implements [protocol.Transport].
func (t *Transport) WriteAudio(_ context.Context, pkt []byte) error {
	l := t.current()
	if l == nil {
		return protocol.ErrNotOpen
	}
	media := l.getMedia()
	if media == nil {
		return protocol.ErrNotOpen
	}
	return media.Send(pkt)
}

// Alive implements [protocol.Transport].
func (t *Transport) Alive() bool {
	l := t.current()
	return l != nil && l.client.IsConnectionOpen() && l.getMedia() != nil
}

// Close implements [protocol.Transport]: goodbye, media channel, control
// connection, in that order.
func (t *Transport) Close(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	l := t.cur
	t.cur = nil
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	l.close(ctx, t.cfg.PublishTopic, sessionID)
	return nil
}

func (t *Transport) current() *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// ── link ────────────────────────────────────────────────────────────────────

// link is one broker connection and, after the handshake, its media channel.
type link struct {
	client  mqtt.Client
	sink    protocol.Sink
	hello   chan protocol.ServerHello
	lost    chan struct{}
	metrics *observe.Metrics

	lossOnce sync.Once

	mu    sync.Mutex
	media *mediaChannel
}

func (l *link) setMedia(m *mediaChannel) {
	l.mu.Lock()
	l.media = m
	l.mu.Unlock()
}

func (l *link) getMedia() *mediaChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.media
}

func (l *link) onMessage(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)

	var h protocol.ServerHello
	if err := json.Unmarshal(payload, &h); err == nil && h.Type == protocol.TypeHello {
		select {
		case l.hello <- h:
		default:
			slog.Debug("broker: ignoring repeated server hello")
		}
		return
	}
	l.sink.HandleJSON(payload)
}

func (l *link) lose(err error) {
	l.lossOnce.Do(func() {
		close(l.lost)
		slog.Warn("broker: connection lost", "err", err)
		l.sink.HandleLoss(fmt.Errorf("broker: %w", err))
	})
}

// close tears the link down without reporting a loss.
func (l *link) close(ctx context.Context, topic, sessionID string) {
	l.lossOnce.Do(func() { close(l.lost) })

	if sessionID != "" && l.client.IsConnectionOpen() {
		if err := waitToken(ctx, l.client.Publish(topic, publishQoS, false, protocol.Goodbye(sessionID))); err != nil {
			slog.Debug("broker: goodbye not sent", "session_id", sessionID, "err", err)
		}
	}
	if media := l.getMedia(); media != nil {
		media.Close()
	}
	l.client.Disconnect(disconnectQuiesce)
	l.setMedia(nil)
}

// waitToken waits for an MQTT token or ctx, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
