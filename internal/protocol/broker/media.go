package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
)

const (
	maxDatagram = 64 << 10
	joinTimeout = 2 * time.Second
)

// mediaChannel is the encrypted UDP media plane of one session. A dedicated
// goroutine owns the blocking receive loop.
type mediaChannel struct {
	conn    *net.UDPConn
	cipher  *mediaCipher
	deliver func([]byte)
	metrics *observe.Metrics

	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// dialMedia opens the UDP socket to server:port and starts the receive loop.
// deliver receives each decrypted payload on the receive goroutine.
func dialMedia(ctx context.Context, server string, port int, c *mediaCipher, deliver func([]byte), m *observe.Metrics) (*mediaChannel, error) {
	d := net.Dialer{Control: markVoice}
	raw, err := d.DialContext(ctx, "udp", net.JoinHostPort(server, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("broker: dial media %s:%d: %w", server, port, err)
	}
	mc := &mediaChannel{
		conn:    raw.(*net.UDPConn),
		cipher:  c,
		deliver: deliver,
		metrics: m,
		done:    make(chan struct{}),
	}
	go mc.receiveLoop()
	slog.Debug("broker: media channel open", "remote", mc.conn.RemoteAddr())
	return mc, nil
}

// Send encrypts and transmits one payload.
func (m *mediaChannel) Send(payload []byte) error {
	if m.stopping.Load() {
		return net.ErrClosed
	}
	datagram := m.cipher.Seal(make([]byte, 0, nonceSize+len(payload)), payload)
	if _, err := m.conn.Write(datagram); err != nil {
		return fmt.Errorf("broker: send media: %w", err)
	}
	return nil
}

func (m *mediaChannel) receiveLoop() {
	defer close(m.done)
	buf := make([]byte, maxDatagram)
	var warnOnce sync.Once
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			if m.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			// Connected UDP sockets surface ICMP errors here; the next
			// datagram may still arrive.
			warnOnce.Do(func() { slog.Warn("broker: media receive error", "err", err) })
			continue
		}

		payload, err := m.cipher.Open(buf[:n])
		if err != nil {
			m.metrics.RecordDecodeError(context.Background(), "decrypt")
			slog.Debug("broker: dropping datagram", "len", n, "err", err)
			continue
		}
		m.deliver(payload)
	}
}

// Close stops the receive loop with a bounded join, then closes the socket.
// Safe to call multiple times.
func (m *mediaChannel) Close() {
	m.stopOnce.Do(func() {
		m.stopping.Store(true)
		_ = m.conn.SetReadDeadline(time.Now())
		select {
		case <-m.done:
		case <-time.After(joinTimeout):
			slog.Warn("broker: media receive loop did not stop in time")
		}
		_ = m.conn.Close()
	})
}
