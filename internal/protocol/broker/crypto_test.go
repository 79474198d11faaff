package broker

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/MrWong99/voicelink/internal/protocol"
)

const (
	testKey   = "000102030405060708090a0b0c0d0e0f"
	testNonce = "a0a1a2a3a4a5a6a7a8a9aaabacadaeaf"
)

func newTestCipher(t *testing.T) *mediaCipher {
	t.Helper()
	c, err := newMediaCipher(testKey, testNonce)
	if err != nil {
		t.Fatalf("newMediaCipher: %v", err)
	}
	return c
}

func TestSeal_NonceLayout(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	payload := []byte("hello")

	got := c.Seal(nil, payload)

	wantNonce, _ := hex.DecodeString("a0a10005a4a5a6a7a8a9aaab00000001")
	if !bytes.Equal(got[:nonceSize], wantNonce) {
		t.Fatalf("nonce = %x, want %x", got[:nonceSize], wantNonce)
	}

	key, _ := hex.DecodeString(testKey)
	block, _ := aes.NewCipher(key)
	want := make([]byte, len(payload))
	cipher.NewCTR(block, wantNonce).XORKeyStream(want, payload)
	if !bytes.Equal(got[nonceSize:], want) {
		t.Errorf("ciphertext = %x, want %x", got[nonceSize:], want)
	}

	second := c.Seal(nil, make([]byte, 300))
	wantNonce2, _ := hex.DecodeString("a0a1012ca4a5a6a7a8a9aaab00000002")
	if !bytes.Equal(second[:nonceSize], wantNonce2) {
		t.Errorf("second nonce = %x, want %x", second[:nonceSize], wantNonce2)
	}
	if c.LocalSeq() != 2 {
		t.Errorf("LocalSeq = %d, want 2", c.LocalSeq())
	}
}

func TestOpen_RoundTrip(t *testing.T) {
	t.Parallel()
	tx, rx := newTestCipher(t), newTestCipher(t)

	for i, p := range [][]byte{[]byte("one"), []byte("two two"), {}} {
		got, err := rx.Open(tx.Seal(nil, p))
		if err != nil {
			t.Fatalf("packet %d: Open: %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("packet %d: got %q, want %q", i, got, p)
		}
	}
	if rx.RemoteSeq() != 3 {
		t.Errorf("RemoteSeq = %d, want 3", rx.RemoteSeq())
	}
}

func TestOpen_ShortDatagram(t *testing.T) {
	t.Parallel()
	tx, rx := newTestCipher(t), newTestCipher(t)
	if _, err := rx.Open(tx.Seal(nil, []byte("x"))); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := rx.Open(make([]byte, nonceSize-1))
	if !errors.Is(err, errShortDatagram) {
		t.Fatalf("err = %v, want errShortDatagram", err)
	}
	if rx.RemoteSeq() != 1 {
		t.Errorf("RemoteSeq = %d, want 1", rx.RemoteSeq())
	}
}

func TestOpen_DropsStale(t *testing.T) {
	t.Parallel()
	tx, rx := newTestCipher(t), newTestCipher(t)
	d1 := tx.Seal(nil, []byte("1"))
	d2 := tx.Seal(nil, []byte("2"))
	d3 := tx.Seal(nil, []byte("3"))

	if _, err := rx.Open(d2); err != nil {
		t.Fatalf("Open d2: %v", err)
	}
	if _, err := rx.Open(d1); !errors.Is(err, errStaleSequence) {
		t.Fatalf("Open d1 err = %v, want errStaleSequence", err)
	}
	if rx.RemoteSeq() != 2 {
		t.Errorf("RemoteSeq after stale = %d, want 2", rx.RemoteSeq())
	}
	got, err := rx.Open(d3)
	if err != nil {
		t.Fatalf("Open d3: %v", err)
	}
	if string(got) != "3" {
		t.Errorf("d3 = %q", got)
	}
}

func TestOpen_SequenceWrap(t *testing.T) {
	t.Parallel()
	tx, rx := newTestCipher(t), newTestCipher(t)
	tx.localSeq.Store(0xFFFFFFFE)

	for _, want := range []uint32{0xFFFFFFFF, 0} {
		if _, err := rx.Open(tx.Seal(nil, []byte("w"))); err != nil {
			t.Fatalf("Open seq %d: %v", want, err)
		}
		if rx.RemoteSeq() != want {
			t.Errorf("RemoteSeq = %d, want %d", rx.RemoteSeq(), want)
		}
	}
}

func TestNewMediaCipher_BadMaterial(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, key, nonce string
	}{
		{"key not hex", "zz", testNonce},
		{"nonce not hex", testKey, "xyz"},
		{"short nonce", testKey, "a0a1a2a3"},
		{"bad key length", "0102030405", testNonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newMediaCipher(tt.key, tt.nonce)
			if !errors.Is(err, protocol.ErrHandshakeRejected) {
				t.Errorf("err = %v, want ErrHandshakeRejected", err)
			}
			if !errors.Is(err, errMediaKeyFormat) {
				t.Errorf("err = %v, want errMediaKeyFormat", err)
			}
		})
	}
}
