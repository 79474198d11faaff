// Package mock provides in-memory implementations of the hardware and codec
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	host := &mock.Host{}
//	p := pipeline.New(host, enc, dec, cfg)
//	_ = p.Start()
//	host.Capture().Emit(make([]int16, 320)) // drives the capture callback
//	out := host.Playback().Render(480)      // pulls one playback period
package mock

import (
	"fmt"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Host         = (*Host)(nil)
	_ device.Stream       = (*Stream)(nil)
	_ audio.FrameEncoder  = (*Codec)(nil)
	_ audio.FrameDecoder  = (*Codec)(nil)
	_ audio.EchoCanceller = (*EchoCanceller)(nil)
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [device.Stream]. Tests drive it with [Stream.Emit] (input
// streams) or [Stream.Render] (output streams); both are no-ops while the
// stream is not started.
type Stream struct {
	mu sync.Mutex

	// StreamFormat is returned by Format.
	StreamFormat audio.Format

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	capture func([]int16)
	render  func([]int16)
	started bool
	closed  bool
}

// Start implements [device.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	if s.closed {
		return fmt.Errorf("mock: start closed stream")
	}
	s.started = true
	return nil
}

// Stop implements [device.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return nil
}

// Close implements [device.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	s.closed = true
	return nil
}

// Format implements [device.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamFormat
}

// Started reports whether the stream is running.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit invokes the capture callback with pcm, as the hardware thread would.
// It reports whether the callback ran.
func (s *Stream) Emit(pcm []int16) bool {
	s.mu.Lock()
	fn, ok := s.capture, s.started
	s.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn(pcm)
	return true
}

// Render pulls n interleaved samples from the playback callback. It returns
// nil when the stream is not running.
func (s *Stream) Render(n int) []int16 {
	s.mu.Lock()
	fn, ok := s.render, s.started
	s.mu.Unlock()
	if !ok || fn == nil {
		return nil
	}
	out := make([]int16, n)
	fn(out)
	return out
}

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock [device.Host]. Streams it opens take their format from the
// requested config unless the matching Format field is set.
type Host struct {
	mu sync.Mutex

	// CaptureFormat overrides the format reported by opened capture streams.
	CaptureFormat audio.Format

	// PlaybackFormat overrides the format reported by opened playback streams.
	PlaybackFormat audio.Format

	// CaptureError is returned by OpenCapture.
	CaptureError error

	// PlaybackError is returned by OpenPlayback.
	PlaybackError error

	// LoopbackError is returned by OpenLoopback. Defaults to
	// [device.ErrUnsupported] unless LoopbackSupported is set.
	LoopbackError error

	// LoopbackSupported makes OpenLoopback succeed.
	LoopbackSupported bool

	// CaptureConfigs records the config of each OpenCapture call.
	CaptureConfigs []device.StreamConfig

	// PlaybackConfigs records the config of each OpenPlayback call.
	PlaybackConfigs []device.StreamConfig

	// CallCountClose records how many times Close was called.
	CallCountClose int

	captures  []*Stream
	playbacks []*Stream
	loopbacks []*Stream
}

// OpenCapture implements [device.Host].
func (h *Host) OpenCapture(cfg device.StreamConfig, fn device.CaptureFunc) (device.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CaptureConfigs = append(h.CaptureConfigs, cfg)
	if h.CaptureError != nil {
		return nil, h.CaptureError
	}
	s := &Stream{StreamFormat: pick(h.CaptureFormat, cfg), capture: fn}
	h.captures = append(h.captures, s)
	return s, nil
}

// OpenPlayback implements [device.Host].
func (h *Host) OpenPlayback(cfg device.StreamConfig, fn device.RenderFunc) (device.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PlaybackConfigs = append(h.PlaybackConfigs, cfg)
	if h.PlaybackError != nil {
		return nil, h.PlaybackError
	}
	s := &Stream{StreamFormat: pick(h.PlaybackFormat, cfg), render: fn}
	h.playbacks = append(h.playbacks, s)
	return s, nil
}

// OpenLoopback implements [device.Host].
func (h *Host) OpenLoopback(cfg device.StreamConfig, fn device.CaptureFunc) (device.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.LoopbackError != nil {
		return nil, h.LoopbackError
	}
	if !h.LoopbackSupported {
		return nil, device.ErrUnsupported
	}
	s := &Stream{StreamFormat: pick(audio.Format{}, cfg), capture: fn}
	h.loopbacks = append(h.loopbacks, s)
	return s, nil
}

// Close implements [device.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountClose++
	return nil
}

// Capture returns the most recently opened capture stream, or nil.
func (h *Host) Capture() *Stream { return h.last(&h.captures) }

// Playback returns the most recently opened playback stream, or nil.
func (h *Host) Playback() *Stream { return h.last(&h.playbacks) }

// Loopback returns the most recently opened loopback stream, or nil.
func (h *Host) Loopback() *Stream { return h.last(&h.loopbacks) }

func (h *Host) last(list *[]*Stream) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(*list) == 0 {
		return nil
	}
	return (*list)[len(*list)-1]
}

func pick(override audio.Format, cfg device.StreamConfig) audio.Format {
	if override.SampleRate != 0 {
		return override
	}
	return audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

// ─── Codec ────────────────────────────────────────────────────────────────────

// Codec is a lossless mock encoder and decoder: packets are the little-endian
// bytes of the PCM frame. Frame length is enforced like a real codec.
type Codec struct {
	mu sync.Mutex

	// CodecFormat is the format reported by Format.
	CodecFormat audio.Format

	// Samples is the per-channel frame length.
	Samples int

	// EncodeError, when set, is returned by Encode.
	EncodeError error

	// CallCountEncode records how many times Encode was called.
	CallCountEncode int

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int
}

// NewCodec returns a mono Codec for the given rate and frame length.
func NewCodec(sampleRate, frameSamples int) *Codec {
	return &Codec{
		CodecFormat: audio.Format{SampleRate: sampleRate, Channels: 1},
		Samples:     frameSamples,
	}
}

// Encode implements [audio.FrameEncoder].
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	c.mu.Lock()
	c.CallCountEncode++
	err := c.EncodeError
	want := c.Samples * max(c.CodecFormat.Channels, 1)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(pcm) != want {
		return nil, fmt.Errorf("mock: encode %d samples, want %d: %w", len(pcm), want, audio.ErrFrameSize)
	}
	out := make([]byte, len(pcm)*2)
	audio.Int16sToBytes(out, pcm)
	return out, nil
}

// Decode implements [audio.FrameDecoder].
func (c *Codec) Decode(pkt []byte) ([]int16, error) {
	c.mu.Lock()
	c.CallCountDecode++
	want := c.Samples * max(c.CodecFormat.Channels, 1)
	c.mu.Unlock()
	pcm := audio.BytesToInt16s(nil, pkt)
	if len(pcm) != want {
		return nil, fmt.Errorf("mock: decoded %d samples, want %d: %w", len(pcm), want, audio.ErrFrameSize)
	}
	return pcm, nil
}

// Format implements [audio.FrameEncoder] and [audio.FrameDecoder].
func (c *Codec) Format() audio.Format { return c.CodecFormat }

// FrameSamples implements [audio.FrameEncoder] and [audio.FrameDecoder].
func (c *Codec) FrameSamples() int { return c.Samples }

// ─── EchoCanceller ────────────────────────────────────────────────────────────

// EchoCanceller is a mock [audio.EchoCanceller] that subtracts the reference
// from the near-end signal sample by sample and records every call.
type EchoCanceller struct {
	mu sync.Mutex

	// Unit is the native frame length in samples.
	Unit int

	// ProcessError, when set, is returned by Process.
	ProcessError error

	// NearFrames records a copy of each near-end frame passed to Process.
	NearFrames [][]int16

	// RefFrames records a copy of each reference frame passed to Process.
	RefFrames [][]int16
}

// Process implements [audio.EchoCanceller].
func (e *EchoCanceller) Process(near, ref, out []int16) error {
	e.mu.Lock()
	e.NearFrames = append(e.NearFrames, append([]int16(nil), near...))
	e.RefFrames = append(e.RefFrames, append([]int16(nil), ref...))
	err := e.ProcessError
	e.mu.Unlock()
	if err != nil {
		return err
	}
	for i := range near {
		v := int32(near[i]) - int32(ref[i])
		out[i] = int16(max(min(v, 32767), -32768))
	}
	return nil
}

// FrameSamples implements [audio.EchoCanceller].
func (e *EchoCanceller) FrameSamples() int { return e.Unit }

// Calls returns how many times Process was called.
func (e *EchoCanceller) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.NearFrames)
}
