package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/internal/protocol"
)

// nonceSize is the length of the per-datagram nonce prefix.
const nonceSize = 16

var (
	errShortDatagram  = errors.New("broker: datagram shorter than nonce")
	errStaleSequence  = errors.New("broker: stale sequence number")
	errMediaKeyFormat = errors.New("broker: bad media key material")
)

// mediaCipher encrypts and decrypts media datagrams for one session.
//
// Outgoing nonce layout, fixed by the server:
//
//	base[0:2] | len(plaintext) uint16 BE | base[4:12] | localSeq uint32 BE
//
// Datagrams are nonce || AES-CTR(key, nonce, payload).
type mediaCipher struct {
	block cipher.Block
	base  [nonceSize]byte

	localSeq atomic.Uint32

	mu        sync.Mutex
	remoteSeq uint32
	primed    bool
}

// newMediaCipher parses the hex key and base nonce of a hello-ack.
func newMediaCipher(keyHex, nonceHex string) (*mediaCipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: key: %w", protocol.ErrHandshakeRejected, errMediaKeyFormat, err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: nonce: %w", protocol.ErrHandshakeRejected, errMediaKeyFormat, err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: %w: nonce is %d bytes, want %d",
			protocol.ErrHandshakeRejected, errMediaKeyFormat, len(nonce), nonceSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", protocol.ErrHandshakeRejected, errMediaKeyFormat, err)
	}
	c := &mediaCipher{block: block}
	copy(c.base[:], nonce)
	return c, nil
}

// nonceFor builds the outgoing nonce for a payload of n bytes at seq.
func (c *mediaCipher) nonceFor(n int, seq uint32) [nonceSize]byte {
	nonce := c.base
	binary.BigEndian.PutUint16(nonce[2:4], uint16(n))
	binary.BigEndian.PutUint32(nonce[12:16], seq)
	return nonce
}

// Seal advances the local sequence by one and appends the datagram for
// plaintext to dst.
func (c *mediaCipher) Seal(dst, plaintext []byte) []byte {
	seq := c.localSeq.Add(1)
	nonce := c.nonceFor(len(plaintext), seq)

	out := append(dst, nonce[:]...)
	start := len(out)
	out = append(out, plaintext...)
	cipher.NewCTR(c.block, nonce[:]).XORKeyStream(out[start:], plaintext)
	return out
}

// Open decrypts one datagram. Short datagrams and datagrams older than the
// newest accepted one are rejected without touching the remote sequence.
func (c *mediaCipher) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < nonceSize {
		return nil, errShortDatagram
	}
	nonce := datagram[:nonceSize]
	seq := binary.BigEndian.Uint32(nonce[12:16])

	c.mu.Lock()
	defer c.mu.Unlock()
	// Serial number arithmetic keeps ordering across the 32-bit wrap.
	if c.primed && int32(seq-c.remoteSeq) < 0 {
		return nil, fmt.Errorf("%w: got %d after %d", errStaleSequence, seq, c.remoteSeq)
	}

	plaintext := make([]byte, len(datagram)-nonceSize)
	cipher.NewCTR(c.block, nonce).XORKeyStream(plaintext, datagram[nonceSize:])
	c.remoteSeq = seq
	c.primed = true
	return plaintext, nil
}

// LocalSeq returns the sequence number of the last sealed datagram.
func (c *mediaCipher) LocalSeq() uint32 { return c.localSeq.Load() }

// RemoteSeq returns the sequence number of the last accepted datagram.
func (c *mediaCipher) RemoteSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSeq
}
