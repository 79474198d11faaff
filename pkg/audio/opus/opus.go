// Package opus adapts the gopus bindings to the fixed-frame codec contract of
// [audio.FrameEncoder] and [audio.FrameDecoder].
//
// The voice backend negotiates mono Opus at a fixed frame duration (20 ms by
// default), so every encoder and decoder here is bound to one sample rate,
// channel count, and frame length for its whole lifetime.
package opus

import (
	"fmt"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"layeh.com/gopus"
)

// Compile-time interface assertions.
var (
	_ audio.FrameEncoder = (*Encoder)(nil)
	_ audio.FrameDecoder = (*Decoder)(nil)
)

// maxPacketBytes bounds a single encoded packet. Opus never needs more than
// 1275 bytes per frame; 4000 is the libopus recommended buffer.
const maxPacketBytes = 4000

// Encoder wraps a gopus encoder for one capture stream. Encoder state carries
// across frames, so each stream needs its own.
type Encoder struct {
	enc       *gopus.Encoder
	format    audio.Format
	frameSize int
}

// NewEncoder creates an Opus encoder tuned for speech.
func NewEncoder(sampleRate, channels int, frameDuration time.Duration) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{
		enc:       enc,
		format:    audio.Format{SampleRate: sampleRate, Channels: channels},
		frameSize: audio.FrameSamples(sampleRate, frameDuration),
	}, nil
}

// Encode compresses one frame of interleaved PCM.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if want := e.frameSize * e.format.Channels; len(pcm) != want {
		return nil, fmt.Errorf("opus: encode %d samples, want %d: %w", len(pcm), want, audio.ErrFrameSize)
	}
	pkt, err := e.enc.Encode(pcm, e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return pkt, nil
}

// Format returns the encoder input format.
func (e *Encoder) Format() audio.Format { return e.format }

// FrameSamples returns samples per channel per frame.
func (e *Encoder) FrameSamples() int { return e.frameSize }

// Decoder wraps a gopus decoder for one playback stream.
type Decoder struct {
	dec       *gopus.Decoder
	format    audio.Format
	frameSize int
}

// NewDecoder creates an Opus decoder producing frames of frameDuration.
func NewDecoder(sampleRate, channels int, frameDuration time.Duration) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		format:    audio.Format{SampleRate: sampleRate, Channels: channels},
		frameSize: audio.FrameSamples(sampleRate, frameDuration),
	}, nil
}

// Decode expands pkt and enforces the fixed frame length. Packets that decode
// to any other length (e.g. a 60 ms packet on a 20 ms stream) are rejected.
func (d *Decoder) Decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	if want := d.frameSize * d.format.Channels; len(pcm) != want {
		return nil, fmt.Errorf("opus: decoded %d samples, want %d: %w", len(pcm), want, audio.ErrFrameSize)
	}
	return pcm, nil
}

// Format returns the decoder output format.
func (d *Decoder) Format() audio.Format { return d.format }

// FrameSamples returns samples per channel per frame.
func (d *Decoder) FrameSamples() int { return d.frameSize }
