// Package socket implements the full-duplex WebSocket transport: control
// messages travel as text frames and encoded audio as binary frames on a
// single connection.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicelink/internal/protocol"
)

// Default connection parameters.
const (
	defaultProtocolVersion = 1
	defaultPingInterval    = 20 * time.Second
	defaultPongTimeout     = 20 * time.Second
	defaultCheckInterval   = 5 * time.Second
	defaultReadLimit       = 10 << 20
	closeGrace             = 2 * time.Second
)

var _ protocol.Transport = (*Transport)(nil)

// Config configures a [Transport].
type Config struct {
	// URL is the ws:// or wss:// endpoint. Required.
	URL string

	// AccessToken is sent as a bearer token.
	AccessToken string

	// DeviceID and ClientID identify this client to the server.
	DeviceID string
	ClientID string

	// ProtocolVersion is sent in the Protocol-Version header and the hello.
	// Defaults to 1.
	ProtocolVersion int

	// MCP advertises tool-protocol support in the hello.
	MCP bool

	// PingInterval, PongTimeout and CheckInterval control liveness
	// detection. Default to 20s, 20s and 5s.
	PingInterval  time.Duration
	PongTimeout   time.Duration
	CheckInterval time.Duration

	// ReadLimit caps the size of one incoming message. Defaults to 10 MiB.
	ReadLimit int64

	// HTTPClient is used for the opening handshake. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Transport is the WebSocket [protocol.Transport].
type Transport struct {
	cfg Config

	mu  sync.Mutex
	cur *conn
}

// New returns a Transport for cfg. Missing liveness settings take defaults.
func New(cfg Config) *Transport {
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = defaultProtocolVersion
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Transport{cfg: cfg}
}

// Name implements [protocol.Transport].
func (t *Transport) Name() string { return protocol.TransportSocket }

// Dial implements [protocol.Transport].
func (t *Transport) Dial(ctx context.Context, sink protocol.Sink) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("%w: socket: empty url", protocol.ErrConfig)
	}

	header := http.Header{}
	header.Set("Protocol-Version", strconv.Itoa(t.cfg.ProtocolVersion))
	if t.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	}
	if t.cfg.DeviceID != "" {
		header.Set("Device-Id", t.cfg.DeviceID)
	}
	if t.cfg.ClientID != "" {
		header.Set("Client-Id", t.cfg.ClientID)
	}

	ws, _, err := websocket.Dial(ctx, t.cfg.URL, &websocket.DialOptions{
		HTTPClient: t.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("socket: dial %s: %w", t.cfg.URL, err)
	}
	ws.SetReadLimit(t.cfg.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		sink:   sink,
		cancel: cancel,
		hello:  make(chan protocol.ServerHello, 1),
		lost:   make(chan struct{}),
	}
	c.touch()
	c.alive.Store(true)

	t.mu.Lock()
	prev := t.cur
	t.cur = c
	t.mu.Unlock()
	if prev != nil {
		prev.close(ctx)
	}

	c.wg.Add(2)
	go c.readLoop(connCtx)
	go c.keepAlive(connCtx, t.cfg.PingInterval, t.cfg.PongTimeout, t.cfg.CheckInterval)

	slog.Debug("socket: connected", "url", t.cfg.URL)
	return nil
}

// Handshake implements [protocol.Transport].
func (t *Transport) Handshake(ctx context.Context, params protocol.AudioParams) (protocol.Handshake, error) {
	c := t.current()
	if c == nil {
		return protocol.Handshake{}, fmt.Errorf("%w: socket: handshake: %w", protocol.ErrTransport, protocol.ErrNotOpen)
	}

	hello, err := json.Marshal(protocol.NewHello(t.cfg.ProtocolVersion, protocol.TransportSocket, params, t.cfg.MCP))
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("socket: encode hello: %w", err)
	}
	if err := c.write(ctx, websocket.MessageText, hello); err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: socket: send hello: %w", protocol.ErrTransport, err)
	}

	select {
	case h := <-c.hello:
		if err := protocol.CheckServerHello(h, protocol.TransportSocket); err != nil {
			return protocol.Handshake{}, fmt.Errorf("socket: %w", err)
		}
		negotiated := params
		if h.AudioParams != nil {
			negotiated = *h.AudioParams
		}
		return protocol.Handshake{SessionID: h.SessionID, Transport: h.Transport, AudioParams: negotiated}, nil
	case <-c.lost:
		return protocol.Handshake{}, fmt.Errorf("%w: socket: connection closed during handshake", protocol.ErrTransport)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Handshake{}, fmt.Errorf("%w: socket: no server hello: %w", protocol.ErrHandshakeTimeout, ctx.Err())
		}
		return protocol.Handshake{}, fmt.Errorf("socket: handshake: %w", ctx.Err())
	}
}

// WriteText implements [protocol.Transport].
func (t *Transport) WriteText(ctx context.Context, msg []byte) error {
	return t.write(ctx, websocket.MessageText, msg)
}

// WriteAudio implements [protocol.Transport].
func (t *Transport) WriteAudio(ctx context.Context, pkt []byte) error {
	return t.write(ctx, websocket.MessageBinary, pkt)
}

func (t *Transport) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	c := t.current()
	if c == nil {
		return protocol.ErrNotOpen
	}
	return c.write(ctx, typ, b)
}

// Alive implements [protocol.Transport].
func (t *Transport) Alive() bool {
	c := t.current()
	return c != nil && c.alive.Load()
}

// Close implements [protocol.Transport]. The socket protocol has no goodbye
// message; closing the connection ends the session.
func (t *Transport) Close(ctx context.Context, _ string) error {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	c.close(ctx)
	return nil
}

func (t *Transport) current() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// ── conn ────────────────────────────────────────────────────────────────────

// conn is one WebSocket connection and its goroutines.
type conn struct {
	ws     *websocket.Conn
	sink   protocol.Sink
	cancel context.CancelFunc
	hello  chan protocol.ServerHello
	lost   chan struct{}

	alive    atomic.Bool
	lastSeen atomic.Int64
	lossOnce sync.Once
	wg       sync.WaitGroup
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *conn) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	if !c.alive.Load() {
		return protocol.ErrNotOpen
	}
	if err := c.ws.Write(ctx, typ, b); err != nil {
		// A cancelled or expired write context leaves the connection
		// unusable, so any write failure is a loss.
		c.lose(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// readLoop reads frames until the connection fails or ctx is cancelled.
func (c *conn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.lose(fmt.Errorf("read: %w", err))
			return
		}
		c.touch()

		switch typ {
		case websocket.MessageBinary:
			c.sink.HandleAudio(data)
		case websocket.MessageText:
			if h, ok := parseHello(data); ok {
				select {
				case c.hello <- h:
				default:
					slog.Debug("socket: ignoring repeated server hello")
				}
				continue
			}
			c.sink.HandleJSON(data)
		}
	}
}

// parseHello reports whether data is a server hello.
func parseHello(data []byte) (protocol.ServerHello, bool) {
	var h protocol.ServerHello
	if err := json.Unmarshal(data, &h); err != nil || h.Type != protocol.TypeHello {
		return protocol.ServerHello{}, false
	}
	return h, true
}

// keepAlive pings the server and runs the supervisory idle check.
func (c *conn) keepAlive(ctx context.Context, pingEvery, pongTimeout, checkEvery time.Duration) {
	defer c.wg.Done()
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	check := time.NewTicker(checkEvery)
	defer check.Stop()

	idleLimit := pingEvery + pongTimeout
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.lose(fmt.Errorf("ping: %w", err))
				return
			}
			c.touch()
		case <-check.C:
			idle := time.Since(time.Unix(0, c.lastSeen.Load()))
			if idle > idleLimit {
				c.lose(fmt.Errorf("no traffic for %s", idle.Round(time.Second)))
				return
			}
		}
	}
}

// lose marks the connection dead and reports the loss once.
func (c *conn) lose(err error) {
	c.lossOnce.Do(func() {
		c.alive.Store(false)
		close(c.lost)
		slog.Warn("socket: connection lost", "err", err)
		c.sink.HandleLoss(fmt.Errorf("socket: %w", err))
	})
}

// close shuts the connection down without reporting a loss.
func (c *conn) close(ctx context.Context) {
	c.lossOnce.Do(func() {
		c.alive.Store(false)
		close(c.lost)
	})

	done := make(chan struct{})
	go func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "client closed")
		close(done)
	}()
	grace := time.NewTimer(closeGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		_ = c.ws.CloseNow()
	case <-ctx.Done():
		_ = c.ws.CloseNow()
	}
	c.cancel()
	c.wg.Wait()
}
