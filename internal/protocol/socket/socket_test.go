package socket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voicelink/internal/protocol"
	"github.com/MrWong99/voicelink/internal/protocol/socket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake voice server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readHello reads the client hello.
func readHello(t *testing.T, conn *websocket.Conn) protocol.Hello {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("read hello: %v", err)
		return protocol.Hello{}
	}
	var h protocol.Hello
	if err := json.Unmarshal(data, &h); err != nil {
		t.Errorf("decode hello: %v", err)
	}
	return h
}

func writeJSON(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func serverHello(transport, sessionID string) map[string]any {
	return map[string]any{
		"type":       "hello",
		"transport":  transport,
		"session_id": sessionID,
		"audio_params": map[string]any{
			"format": "opus", "sample_rate": 24000, "channels": 1, "frame_duration": 60,
		},
	}
}

// echoServer answers the hello, echoes binary frames and answers every text
// frame with an stt message, until the client goes away.
func echoServer(t *testing.T) *httptest.Server {
	return startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readHello(t, conn)
		writeJSON(conn, serverHello("socket", "ws-session"))
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				_ = conn.Write(context.Background(), websocket.MessageBinary, data)
				continue
			}
			writeJSON(conn, map[string]any{"type": "stt", "text": "heard you"})
		}
	})
}

// sink collects transport callbacks.
type sink struct {
	json  chan []byte
	audio chan []byte

	mu     sync.Mutex
	losses []error
	lost   chan struct{}
	once   sync.Once
}

func newSink() *sink {
	return &sink{json: make(chan []byte, 16), audio: make(chan []byte, 16), lost: make(chan struct{})}
}

func (s *sink) HandleJSON(b []byte)    { s.json <- b }
func (s *sink) HandleAudio(pkt []byte) { s.audio <- pkt }
func (s *sink) HandleLoss(err error) {
	s.mu.Lock()
	s.losses = append(s.losses, err)
	s.mu.Unlock()
	s.once.Do(func() { close(s.lost) })
}

func (s *sink) lossCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.losses)
}

func dialAndHandshake(t *testing.T, tr *socket.Transport, k *sink) protocol.Handshake {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Dial(ctx, k); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	hs, err := tr.Handshake(ctx, protocol.DefaultAudioParams())
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	return hs
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_EmptyURLIsConfigError(t *testing.T) {
	t.Parallel()
	tr := socket.New(socket.Config{})
	if err := tr.Dial(t.Context(), newSink()); !errors.Is(err, protocol.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestHandshake_SendsHeadersAndHello(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	hellos := make(chan protocol.Hello, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		hellos <- readHello(t, conn)
		writeJSON(conn, serverHello("socket", "ws-session"))
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := socket.New(socket.Config{
		URL:         wsURL(srv),
		AccessToken: "secret",
		DeviceID:    "aa:bb:cc:dd:ee:ff",
		ClientID:    "client-1",
		MCP:         true,
	})
	t.Cleanup(func() { _ = tr.Close(context.Background(), "") })

	hs := dialAndHandshake(t, tr, newSink())
	if hs.SessionID != "ws-session" {
		t.Errorf("session id = %q", hs.SessionID)
	}
	if hs.AudioParams.SampleRate != 24000 || hs.AudioParams.FrameDuration != 60 {
		t.Errorf("negotiated params = %+v", hs.AudioParams)
	}

	h := <-headers
	for key, want := range map[string]string{
		"Authorization":    "Bearer secret",
		"Protocol-Version": "1",
		"Device-Id":        "aa:bb:cc:dd:ee:ff",
		"Client-Id":        "client-1",
	} {
		if got := h.Get(key); got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}

	want := protocol.Hello{
		Type:        "hello",
		Version:     1,
		Features:    &protocol.Features{MCP: true},
		Transport:   "socket",
		AudioParams: protocol.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20},
	}
	if diff := cmp.Diff(want, <-hellos); diff != "" {
		t.Errorf("hello mismatch (-want +got):\n%s", diff)
	}
	if !tr.Alive() {
		t.Error("Alive = false after handshake")
	}
}

func TestHandshake_RejectsBadServerHello(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply map[string]any
	}{
		{name: "transport mismatch", reply: serverHello("websocket", "s1")},
		{name: "transport omitted", reply: map[string]any{"type": "hello", "session_id": "s1"}},
		{name: "session id omitted", reply: serverHello("socket", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
				readHello(t, conn)
				writeJSON(conn, tt.reply)
				<-conn.CloseRead(context.Background()).Done()
			})
			tr := socket.New(socket.Config{URL: wsURL(srv)})
			t.Cleanup(func() { _ = tr.Close(context.Background(), "") })

			if err := tr.Dial(t.Context(), newSink()); err != nil {
				t.Fatalf("Dial: %v", err)
			}
			_, err := tr.Handshake(t.Context(), protocol.DefaultAudioParams())
			if !errors.Is(err, protocol.ErrHandshakeRejected) {
				t.Errorf("expected ErrHandshakeRejected, got %v", err)
			}
		})
	}
}

func TestHandshake_TimesOutWithoutServerHello(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readHello(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	tr := socket.New(socket.Config{URL: wsURL(srv)})
	t.Cleanup(func() { _ = tr.Close(context.Background(), "") })

	if err := tr.Dial(t.Context(), newSink()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Handshake(ctx, protocol.DefaultAudioParams())
	if !errors.Is(err, protocol.ErrHandshakeTimeout) {
		t.Errorf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestTrafficRouting(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	tr := socket.New(socket.Config{URL: wsURL(srv)})
	t.Cleanup(func() { _ = tr.Close(context.Background(), "") })
	k := newSink()
	dialAndHandshake(t, tr, k)

	for i := range 3 {
		if err := tr.WriteAudio(t.Context(), []byte{0xAA, byte(i)}); err != nil {
			t.Fatalf("WriteAudio: %v", err)
		}
	}
	for i := range 3 {
		select {
		case pkt := <-k.audio:
			if diff := cmp.Diff([]byte{0xAA, byte(i)}, pkt); diff != "" {
				t.Errorf("packet %d (-want +got):\n%s", i, diff)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for echoed audio")
		}
	}

	if err := tr.WriteText(t.Context(), []byte(`{"type":"listen","state":"start"}`)); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	select {
	case b := <-k.json:
		if !strings.Contains(string(b), `"stt"`) {
			t.Errorf("unexpected control message %s", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
}

func TestServerDisconnectReportsLossOnce(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readHello(t, conn)
		writeJSON(conn, serverHello("socket", "s1"))
		conn.Close(websocket.StatusGoingAway, "server restarting")
	})
	tr := socket.New(socket.Config{URL: wsURL(srv)})
	t.Cleanup(func() { _ = tr.Close(context.Background(), "") })
	k := newSink()
	dialAndHandshake(t, tr, k)

	select {
	case <-k.lost:
	case <-time.After(3 * time.Second):
		t.Fatal("loss not reported")
	}
	_ = tr.WriteAudio(t.Context(), []byte{1}) // fails, must not report again
	time.Sleep(20 * time.Millisecond)
	if got := k.lossCount(); got != 1 {
		t.Errorf("loss reported %d times, want 1", got)
	}
	if tr.Alive() {
		t.Error("Alive = true after loss")
	}
}

func TestClose_IsQuietAndIdempotent(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	tr := socket.New(socket.Config{URL: wsURL(srv)})
	k := newSink()
	dialAndHandshake(t, tr, k)

	if err := tr.Close(t.Context(), "ws-session"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(t.Context(), "ws-session"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.Alive() {
		t.Error("Alive = true after Close")
	}
	if err := tr.WriteAudio(t.Context(), []byte{1}); !errors.Is(err, protocol.ErrNotOpen) {
		t.Errorf("write after close: expected ErrNotOpen, got %v", err)
	}
	if k.lossCount() != 0 {
		t.Error("requested close reported a loss")
	}
}

type openRecorder struct {
	protocol.NopListener
	mu     sync.Mutex
	opened int
	audio  chan []byte
}

func (r *openRecorder) OnAudioChannelOpened() {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
}

func (r *openRecorder) OnIncomingAudio(pkt []byte) { r.audio <- pkt }

func TestSession_OverSocket(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	rec := &openRecorder{audio: make(chan []byte, 4)}
	s := protocol.NewSession(socket.New(socket.Config{URL: wsURL(srv)}), protocol.WithListener(rec))
	t.Cleanup(func() { _ = s.Close() })

	if err := s.OpenAudioChannel(t.Context()); err != nil {
		t.Fatalf("OpenAudioChannel: %v", err)
	}
	if s.SessionID() != "ws-session" {
		t.Errorf("session id = %q", s.SessionID())
	}

	s.SendAudio([]byte{7, 7, 7})
	select {
	case pkt := <-rec.audio:
		if diff := cmp.Diff([]byte{7, 7, 7}, pkt); diff != "" {
			t.Errorf("echoed packet (-want +got):\n%s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed audio")
	}
}

func TestSession_TransportMismatchNeverOpens(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readHello(t, conn)
		writeJSON(conn, serverHello("udp-media", "s1"))
		<-conn.CloseRead(context.Background()).Done()
	})
	rec := &openRecorder{audio: make(chan []byte, 1)}
	s := protocol.NewSession(socket.New(socket.Config{URL: wsURL(srv)}), protocol.WithListener(rec))
	t.Cleanup(func() { _ = s.Close() })

	err := s.OpenAudioChannel(t.Context())
	if err == nil {
		t.Fatal("OpenAudioChannel succeeded with a mismatched transport")
	}
	if !errors.Is(err, protocol.ErrHandshakeRejected) {
		t.Errorf("expected ErrHandshakeRejected, got %v", err)
	}
	if s.State() != protocol.StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	_ = s.Close()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.opened != 0 {
		t.Error("listener saw the channel open")
	}
}
