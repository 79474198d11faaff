package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voicelink/internal/protocol"
)

const (
	pubTopic = "device-server"
	subTopic = "devices/p2p/aa_bb"
)

// ── Fake MQTT client ─────────────────────────────────────────────────────────

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Error() error                   { return nil }
func (pendingToken) Done() <-chan struct{}          { return nil }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 0 }
func (fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string   { return m.topic }
func (fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (fakeMessage) Ack()              {}

type publication struct {
	Topic   string
	Payload []byte
}

// fakeClient is an in-memory mqtt.Client. respond is called for every
// publish and may answer through deliver.
type fakeClient struct {
	opts       *mqtt.ClientOptions
	connectErr error
	hangOnDial bool
	respond    func(c *fakeClient, topic string, payload []byte)

	mu          sync.Mutex
	connected   bool
	disconnects int
	subs        map[string]mqtt.MessageHandler
	published   []publication
}

var _ mqtt.Client = (*fakeClient)(nil)

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return doneToken{err: c.connectErr}
	}
	if c.hangOnDial {
		return pendingToken{}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	b := append([]byte(nil), payload.([]byte)...)
	c.mu.Lock()
	c.published = append(c.published, publication{Topic: topic, Payload: b})
	c.mu.Unlock()
	if c.respond != nil {
		c.respond(c, topic, b)
	}
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]mqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver hands payload to the handler subscribed on topic, or the default
// publish handler.
func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.subs[topic]
	c.mu.Unlock()
	if h == nil {
		h = c.opts.DefaultPublishHandler
	}
	h(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) publications() []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publication(nil), c.published...)
}

// ── Test sink ────────────────────────────────────────────────────────────────

type testSink struct {
	json  chan []byte
	audio chan []byte

	mu     sync.Mutex
	losses []error
}

func newTestSink() *testSink {
	return &testSink{json: make(chan []byte, 16), audio: make(chan []byte, 16)}
}

func (s *testSink) HandleJSON(b []byte)    { s.json <- b }
func (s *testSink) HandleAudio(pkt []byte) { s.audio <- pkt }
func (s *testSink) HandleLoss(err error) {
	s.mu.Lock()
	s.losses = append(s.losses, err)
	s.mu.Unlock()
}

func (s *testSink) lossCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.losses)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// ackWith answers each hello with ack on the subscribe topic.
func ackWith(ack protocol.ServerHello) func(*fakeClient, string, []byte) {
	return func(c *fakeClient, _ string, payload []byte) {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(payload, &msg) != nil || msg.Type != protocol.TypeHello {
			return
		}
		b, _ := json.Marshal(ack)
		go c.deliver(subTopic, b)
	}
}

func validAck(peer *mediaPeer) protocol.ServerHello {
	return protocol.ServerHello{
		Type:        protocol.TypeHello,
		Transport:   protocol.TransportUDPMedia,
		SessionID:   "sess-1",
		AudioParams: &protocol.AudioParams{Format: "opus", SampleRate: 24000, Channels: 1, FrameDuration: 60},
		UDP:         &protocol.UDPParams{Server: "127.0.0.1", Port: peer.port(), Key: testKey, Nonce: testNonce},
	}
}

func newTestTransport(client *fakeClient) *Transport {
	return New(Config{
		Endpoint:       "mqtt.example.com",
		ClientID:       "GID_test@@@aa_bb@@@uuid",
		PublishTopic:   pubTopic,
		SubscribeTopic: subTopic,
	}, WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
		client.opts = o
		return client
	}))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestBrokerURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		endpoint string
		want     string
	}{
		{"mqtt.example.com", "ssl://mqtt.example.com:8883"},
		{"mqtt.example.com:8883", "ssl://mqtt.example.com:8883"},
		{"mqtt.example.com:1883", "tcp://mqtt.example.com:1883"},
		{"ws://mqtt.example.com:8083/mqtt", "ws://mqtt.example.com:8083/mqtt"},
	}
	for _, tt := range tests {
		got, err := brokerURL(tt.endpoint)
		if err != nil {
			t.Errorf("brokerURL(%q): %v", tt.endpoint, err)
			continue
		}
		if got != tt.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}

	if _, err := brokerURL("host:port"); !errors.Is(err, protocol.ErrConfig) {
		t.Errorf("bad port err = %v, want ErrConfig", err)
	}
}

func TestDial_ConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no endpoint", Config{PublishTopic: pubTopic}},
		{"no publish topic", Config{Endpoint: "mqtt.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := New(tt.cfg, WithClientFactory(func(*mqtt.ClientOptions) mqtt.Client {
				t.Error("client constructed for invalid config")
				return &fakeClient{}
			}))
			if err := tr.Dial(testCtx(t), newTestSink()); !errors.Is(err, protocol.ErrConfig) {
				t.Errorf("Dial err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestDial_ConnectError(t *testing.T) {
	t.Parallel()
	connErr := errors.New("not authorized")
	tr := newTestTransport(&fakeClient{connectErr: connErr})
	if err := tr.Dial(testCtx(t), newTestSink()); !errors.Is(err, connErr) {
		t.Errorf("Dial err = %v, want %v", err, connErr)
	}
	if tr.Alive() {
		t.Error("Alive after failed dial")
	}
}

func TestDial_CancelledConnectDisconnectsClient(t *testing.T) {
	t.Parallel()
	client := &fakeClient{hangOnDial: true}
	tr := newTestTransport(client)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if err := tr.Dial(ctx, newTestSink()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dial err = %v, want context.Canceled", err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1", client.disconnects)
	}
}

func TestDial_ClientOptions(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	tr := New(Config{
		Endpoint:       "mqtt.example.com",
		ClientID:       "cid",
		Username:       "user",
		Password:       "secret",
		PublishTopic:   pubTopic,
		SubscribeTopic: "null",
	}, WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
		client.opts = o
		return client
	}))
	if err := tr.Dial(testCtx(t), newTestSink()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close(context.Background(), "")

	o := client.opts
	if len(o.Servers) != 1 || o.Servers[0].String() != "ssl://mqtt.example.com:8883" {
		t.Errorf("Servers = %v", o.Servers)
	}
	if o.ClientID != "cid" || o.Username != "user" || o.Password != "secret" {
		t.Errorf("credentials = %q/%q/%q", o.ClientID, o.Username, o.Password)
	}
	if o.AutoReconnect {
		t.Error("paho auto-reconnect enabled")
	}
	if o.TLSConfig == nil {
		t.Error("TLS not configured for 8883")
	}
	if len(client.subs) != 0 {
		t.Errorf("subscribed to %v with a null subscribe topic", client.subs)
	}
}

func TestHandshake_NegotiatesMediaChannel(t *testing.T) {
	t.Parallel()
	peer := newMediaPeer(t)
	client := &fakeClient{respond: ackWith(validAck(peer))}
	tr := newTestTransport(client)
	sink := newTestSink()
	ctx := testCtx(t)

	if err := tr.Dial(ctx, sink); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close(context.Background(), "")
	if tr.Alive() {
		t.Error("Alive before media channel exists")
	}

	hs, err := tr.Handshake(ctx, protocol.DefaultAudioParams())
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	want := protocol.Handshake{
		SessionID:   "sess-1",
		Transport:   protocol.TransportUDPMedia,
		AudioParams: protocol.AudioParams{Format: "opus", SampleRate: 24000, Channels: 1, FrameDuration: 60},
	}
	if diff := cmp.Diff(want, hs); diff != "" {
		t.Errorf("handshake mismatch (-want +got):\n%s", diff)
	}
	if !tr.Alive() {
		t.Error("Alive = false after handshake")
	}

	pubs := client.publications()
	if len(pubs) != 1 || pubs[0].Topic != pubTopic {
		t.Fatalf("publications = %+v", pubs)
	}
	var hello protocol.Hello
	if err := json.Unmarshal(pubs[0].Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Version != 3 || hello.Transport != protocol.TransportUDPMedia {
		t.Errorf("hello version/transport = %d/%q", hello.Version, hello.Transport)
	}

	// Uplink audio is encrypted to the negotiated endpoint.
	if err := tr.WriteAudio(ctx, []byte("opus-frame")); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	got, from := peer.recv(t)
	if string(got) != "opus-frame" {
		t.Errorf("peer got %q", got)
	}

	// Downlink audio reaches the sink.
	peer.send(t, from, []byte("tts-frame"))
	select {
	case b := <-sink.audio:
		if string(b) != "tts-frame" {
			t.Errorf("sink audio = %q", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("downlink audio not delivered")
	}

	// Control messages on the subscribe topic reach the sink.
	client.deliver(subTopic, []byte(`{"type":"tts","state":"start","session_id":"sess-1"}`))
	select {
	case b := <-sink.json:
		if string(b) != `{"type":"tts","state":"start","session_id":"sess-1"}` {
			t.Errorf("sink json = %s", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("control message not delivered")
	}

	if err := tr.WriteText(ctx, []byte(`{"type":"listen"}`)); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if pubs := client.publications(); len(pubs) != 2 || string(pubs[1].Payload) != `{"type":"listen"}` {
		t.Errorf("publications after WriteText = %+v", pubs)
	}
}

func TestHandshake_Rejected(t *testing.T) {
	t.Parallel()
	peer := newMediaPeer(t)
	tests := []struct {
		name   string
		mutate func(*protocol.ServerHello)
	}{
		{"no udp block", func(h *protocol.ServerHello) { h.UDP = nil }},
		{"no session id", func(h *protocol.ServerHello) { h.SessionID = "" }},
		{"wrong transport", func(h *protocol.ServerHello) { h.Transport = protocol.TransportSocket }},
		{"bad nonce", func(h *protocol.ServerHello) { h.UDP.Nonce = "0102" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ack := validAck(peer)
			tt.mutate(&ack)
			tr := newTestTransport(&fakeClient{respond: ackWith(ack)})
			ctx := testCtx(t)
			if err := tr.Dial(ctx, newTestSink()); err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer tr.Close(context.Background(), "")

			_, err := tr.Handshake(ctx, protocol.DefaultAudioParams())
			if !errors.Is(err, protocol.ErrHandshakeRejected) {
				t.Errorf("err = %v, want ErrHandshakeRejected", err)
			}
			if tr.Alive() {
				t.Error("media channel opened for a rejected hello-ack")
			}
		})
	}
}

func TestHandshake_Timeout(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(&fakeClient{})
	if err := tr.Dial(testCtx(t), newTestSink()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close(context.Background(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Handshake(ctx, protocol.DefaultAudioParams())
	if !errors.Is(err, protocol.ErrHandshakeTimeout) {
		t.Errorf("err = %v, want ErrHandshakeTimeout", err)
	}
}

func TestConnectionLost_ReportedOnce(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	tr := newTestTransport(client)
	sink := newTestSink()
	if err := tr.Dial(testCtx(t), sink); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close(context.Background(), "")

	client.opts.OnConnectionLost(client, errors.New("EOF"))
	client.opts.OnConnectionLost(client, errors.New("EOF"))

	if n := sink.lossCount(); n != 1 {
		t.Errorf("losses = %d, want 1", n)
	}
}

func TestClose_Order(t *testing.T) {
	t.Parallel()
	peer := newMediaPeer(t)
	client := &fakeClient{respond: ackWith(validAck(peer))}
	tr := newTestTransport(client)
	sink := newTestSink()
	ctx := testCtx(t)

	if err := tr.Dial(ctx, sink); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := tr.Handshake(ctx, protocol.DefaultAudioParams()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	if err := tr.Close(ctx, "sess-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(ctx, "sess-1"); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	pubs := client.publications()
	last := pubs[len(pubs)-1]
	var bye map[string]any
	if err := json.Unmarshal(last.Payload, &bye); err != nil {
		t.Fatalf("decode goodbye: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"type": "goodbye", "session_id": "sess-1"}, bye); diff != "" {
		t.Errorf("goodbye mismatch (-want +got):\n%s", diff)
	}
	if client.IsConnectionOpen() {
		t.Error("MQTT client still connected")
	}
	if tr.Alive() {
		t.Error("Alive after Close")
	}
	if err := tr.WriteAudio(ctx, []byte("x")); !errors.Is(err, protocol.ErrNotOpen) {
		t.Errorf("WriteAudio after Close err = %v, want ErrNotOpen", err)
	}
	if n := sink.lossCount(); n != 0 {
		t.Errorf("Close reported %d losses", n)
	}
}

func TestClose_WithoutDial(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(&fakeClient{})
	if err := tr.Close(context.Background(), "sess-1"); err != nil {
		t.Errorf("Close: %v", err)
	}
}
