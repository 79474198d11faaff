// Package pipeline bridges local audio hardware and the codec contract of the
// voice session.
//
// Capture path (hardware thread):
//
//	device PCM → downmix → streaming resampler → fixed frames
//	  → detection queue (pre-cancellation copy)
//	  → echo cancellation (10 ms sub-frames) → encode → OnEncoded callback
//
// Playback path:
//
//	WriteAudio → decode → playback queue ⇢ render callback
//	  → streaming resampler → device PCM (→ reference bufferer)
//
// Every handoff between threads goes through a bounded drop-oldest
// [audio.Queue]; hardware callbacks never block on I/O.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/protocol"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/device"
)

// Default queue bounds, in frames.
const (
	DefaultDetectionQueueSize = 100
	DefaultPlaybackQueueSize  = 500
)

// captureBacklogFrames bounds resampled capture samples waiting to form a frame.
const captureBacklogFrames = 10

var (
	// ErrResource is returned when audio hardware cannot be opened or started.
	// The pipeline keeps working without the failed stream.
	ErrResource = errors.New("pipeline: audio resource unavailable")

	// ErrClosed is returned by operations on a closed pipeline.
	ErrClosed = errors.New("pipeline: closed")
)

// Config tunes a [Pipeline]. Zero values select defaults.
type Config struct {
	// InputSampleRate is the requested capture device rate. Zero requests the
	// encoder rate.
	InputSampleRate int

	// InputChannels is the requested capture channel count. Defaults to 1.
	InputChannels int

	// InputDevice and OutputDevice name the hardware devices to open. Empty
	// selects the system default.
	InputDevice  string
	OutputDevice string

	// OutputSampleRate is the requested playback device rate. Zero requests
	// the decoder rate.
	OutputSampleRate int

	// OutputChannels is the requested playback channel count. Defaults to 1.
	OutputChannels int

	// PeriodFrames is the preferred hardware callback size per channel.
	PeriodFrames int

	// DetectionQueueSize bounds the pre-cancellation frame queue.
	DetectionQueueSize int

	// PlaybackQueueSize bounds decoded frames awaiting playback.
	PlaybackQueueSize int

	// EchoCancellation enables the echo canceller when one is supplied.
	EchoCancellation bool

	// ReferenceCapacity bounds the echo reference backlog.
	ReferenceCapacity time.Duration
}

func (c *Config) defaults() {
	if c.InputChannels <= 0 {
		c.InputChannels = 1
	}
	if c.OutputChannels <= 0 {
		c.OutputChannels = 1
	}
	if c.DetectionQueueSize <= 0 {
		c.DetectionQueueSize = DefaultDetectionQueueSize
	}
	if c.PlaybackQueueSize <= 0 {
		c.PlaybackQueueSize = DefaultPlaybackQueueSize
	}
	if c.ReferenceCapacity <= 0 {
		c.ReferenceCapacity = DefaultReferenceCapacity
	}
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithEchoCanceller supplies the echo canceller used when
// Config.EchoCancellation is set.
func WithEchoCanceller(ec audio.EchoCanceller) Option {
	return func(p *Pipeline) { p.aec = ec }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline owns the capture and playback streams of one voice session.
// All exported methods are safe for concurrent use.
type Pipeline struct {
	host    device.Host
	enc     audio.FrameEncoder
	dec     audio.FrameDecoder
	aec     audio.EchoCanceller
	cfg     Config
	metrics *observe.Metrics

	onEncoded atomic.Pointer[func([]byte)]

	detection *audio.Queue[audio.AudioFrame]
	playback  *audio.Queue[[]int16]

	// detectionWatched is set once a consumer reads detection frames.
	// Overflow is only counted as a drop from then on.
	detectionWatched atomic.Bool

	// mu guards stream lifecycle and closed.
	mu       sync.Mutex
	input    device.Stream
	output   device.Stream
	loopback device.Stream
	closed   bool

	// ref is non-nil while echo cancellation has a reference source.
	ref         atomic.Pointer[ReferenceBufferer]
	refPlayback atomic.Bool

	capt captureState
	play playbackState

	captureFault  sync.Once
	playbackFault sync.Once
	encodeFault   sync.Once
	aecFault      sync.Once
}

// captureState is owned by the capture callback; its mutex only contends with
// RestartInput and Close.
type captureState struct {
	mu       sync.Mutex
	channels int
	rs       *audio.Resampler
	frames   *audio.FrameBuffer
	mono     []int16
	resamp   []int16
	frame    []int16
}

type playbackState struct {
	mu       sync.Mutex
	channels int
	rs       *audio.Resampler
	pending  []int16
}

// New returns a stopped Pipeline. enc fixes the capture frame contract and dec
// the playback one.
func New(host device.Host, enc audio.FrameEncoder, dec audio.FrameDecoder, cfg Config, opts ...Option) *Pipeline {
	cfg.defaults()
	p := &Pipeline{
		host:      host,
		enc:       enc,
		dec:       dec,
		cfg:       cfg,
		detection: audio.NewQueue[audio.AudioFrame](cfg.DetectionQueueSize),
		playback:  audio.NewQueue[[]int16](cfg.PlaybackQueueSize),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	switch {
	case !cfg.EchoCancellation:
		p.aec = nil
	case p.aec == nil:
		slog.Warn("pipeline: echo cancellation requested but no canceller available, disabling")
	case p.aec.FrameSamples() != audio.FrameSamples(enc.Format().SampleRate, unitDuration):
		slog.Warn("pipeline: echo canceller unit does not match 10 ms at capture rate, disabling",
			"unit", p.aec.FrameSamples(),
			"capture_rate", enc.Format().SampleRate,
		)
		p.aec = nil
	}
	return p
}

// OnEncoded registers fn to receive every encoded capture packet. fn runs on
// the capture thread and must not block. Passing nil unregisters.
func (p *Pipeline) OnEncoded(fn func(pkt []byte)) {
	if fn == nil {
		p.onEncoded.Store(nil)
		return
	}
	p.onEncoded.Store(&fn)
}

// ── Lifecycle ──────────────────────────────────────────────────────────────

// Start opens and starts the hardware streams that are not running yet.
// A stream that cannot be opened is reported as an error wrapping
// [ErrResource]; the rest of the pipeline keeps working without it.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	err := errors.Join(p.startOutputLocked(), p.startInputLocked())
	if err != nil {
		slog.Warn("pipeline: audio hardware unavailable, continuing without it", "err", err)
	}
	return err
}

// Stop stops and releases all hardware streams. Queued audio is kept.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopInputLocked()
	p.stopOutputLocked()
}

// RestartInput reopens the capture side, e.g. after a device change.
func (p *Pipeline) RestartInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.stopInputLocked()
	if err := p.startInputLocked(); err != nil {
		slog.Warn("pipeline: capture restart failed", "err", err)
		return err
	}
	return nil
}

// RestartOutput reopens the playback side, e.g. after a device change.
func (p *Pipeline) RestartOutput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.stopOutputLocked()
	if err := p.startOutputLocked(); err != nil {
		slog.Warn("pipeline: playback restart failed", "err", err)
		return err
	}
	return nil
}

// ClearPlayback discards all audio waiting to be played.
func (p *Pipeline) ClearPlayback() {
	n := p.playback.Clear()
	p.play.mu.Lock()
	p.play.pending = p.play.pending[:0]
	if p.play.rs != nil {
		p.play.rs.Reset()
	}
	p.play.mu.Unlock()
	if n > 0 {
		slog.Debug("pipeline: playback cleared", "frames", n)
	}
}

// Close tears the pipeline down: streams first, then queues, then
// resamplers, then the codec. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.stopInputLocked()
	p.stopOutputLocked()

	p.detection.Clear()
	p.ClearPlayback()

	p.capt.mu.Lock()
	p.capt.rs, p.capt.frames = nil, nil
	p.capt.mu.Unlock()
	p.play.mu.Lock()
	p.play.rs = nil
	p.play.mu.Unlock()
	if ref := p.ref.Swap(nil); ref != nil {
		ref.Reset()
	}

	var errs []error
	if c, ok := p.enc.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.dec.(io.Closer); ok && any(p.dec) != any(p.enc) {
		errs = append(errs, c.Close())
	}
	p.onEncoded.Store(nil)
	return errors.Join(errs...)
}

func (p *Pipeline) startOutputLocked() error {
	if p.output != nil {
		return nil
	}
	s, err := p.host.OpenPlayback(device.StreamConfig{
		Device:       p.cfg.OutputDevice,
		SampleRate:   cmpOr(p.cfg.OutputSampleRate, p.dec.Format().SampleRate),
		Channels:     p.cfg.OutputChannels,
		PeriodFrames: p.cfg.PeriodFrames,
	}, p.render)
	if err != nil {
		return fmt.Errorf("%w: open playback: %w", ErrResource, err)
	}
	f := s.Format()

	p.play.mu.Lock()
	p.play.channels = max(f.Channels, 1)
	p.play.rs = audio.NewResampler(p.dec.Format().SampleRate, f.SampleRate)
	p.play.pending = p.play.pending[:0]
	p.play.mu.Unlock()

	if err := s.Start(); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: start playback: %w", ErrResource, err)
	}
	p.output = s
	slog.Info("pipeline: playback started", "format", f.String())

	if p.aec != nil && p.loopback == nil {
		p.ref.Store(NewReferenceBufferer(audio.Format{SampleRate: f.SampleRate, Channels: 1},
			p.enc.Format().SampleRate, p.cfg.ReferenceCapacity))
		p.refPlayback.Store(true)
	}
	return nil
}

func (p *Pipeline) startInputLocked() error {
	if p.input != nil {
		return nil
	}
	captureRate := p.enc.Format().SampleRate
	s, err := p.host.OpenCapture(device.StreamConfig{
		Device:       p.cfg.InputDevice,
		SampleRate:   cmpOr(p.cfg.InputSampleRate, captureRate),
		Channels:     p.cfg.InputChannels,
		PeriodFrames: p.cfg.PeriodFrames,
	}, p.capture)
	if err != nil {
		return fmt.Errorf("%w: open capture: %w", ErrResource, err)
	}
	f := s.Format()

	p.capt.mu.Lock()
	p.capt.channels = max(f.Channels, 1)
	p.capt.rs = audio.NewResampler(f.SampleRate, captureRate)
	p.capt.frames = audio.NewFrameBuffer(p.enc.FrameSamples(), captureBacklogFrames)
	p.capt.frame = make([]int16, p.enc.FrameSamples())
	p.capt.mu.Unlock()

	if p.aec != nil {
		p.startLoopbackLocked()
	}

	if err := s.Start(); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: start capture: %w", ErrResource, err)
	}
	p.input = s
	slog.Info("pipeline: capture started", "format", f.String(), "echo_cancellation", p.aec != nil)
	return nil
}

// startLoopbackLocked prefers the system loopback as echo reference and
// falls back to the locally rendered output.
func (p *Pipeline) startLoopbackLocked() {
	if p.loopback != nil {
		return
	}
	var ref *ReferenceBufferer
	s, err := p.host.OpenLoopback(device.StreamConfig{
		SampleRate: p.enc.Format().SampleRate,
		Channels:   1,
	}, func(pcm []int16) {
		if ref != nil {
			ref.Write(pcm)
		}
	})
	if err != nil {
		if !errors.Is(err, device.ErrUnsupported) {
			slog.Warn("pipeline: loopback capture unavailable, using playback as echo reference", "err", err)
		}
		return
	}
	ref = NewReferenceBufferer(s.Format(), p.enc.Format().SampleRate, p.cfg.ReferenceCapacity)
	if err := s.Start(); err != nil {
		_ = s.Close()
		slog.Warn("pipeline: loopback start failed, using playback as echo reference", "err", err)
		return
	}
	p.loopback = s
	p.ref.Store(ref)
	p.refPlayback.Store(false)
}

func (p *Pipeline) stopInputLocked() {
	if p.loopback != nil {
		_ = p.loopback.Close()
		p.loopback = nil
		p.refPlayback.Store(true)
		if p.output == nil {
			p.ref.Store(nil)
		} else if p.aec != nil {
			p.ref.Store(NewReferenceBufferer(audio.Format{SampleRate: p.output.Format().SampleRate, Channels: 1},
				p.enc.Format().SampleRate, p.cfg.ReferenceCapacity))
		}
	}
	if p.input != nil {
		_ = p.input.Close()
		p.input = nil
	}
	p.capt.mu.Lock()
	if p.capt.frames != nil {
		p.capt.frames.Reset()
	}
	if p.capt.rs != nil {
		p.capt.rs.Reset()
	}
	p.capt.mu.Unlock()
}

func (p *Pipeline) stopOutputLocked() {
	if p.output != nil {
		_ = p.output.Close()
		p.output = nil
	}
	if p.refPlayback.Load() {
		p.ref.Store(nil)
	}
	p.play.mu.Lock()
	p.play.pending = p.play.pending[:0]
	if p.play.rs != nil {
		p.play.rs.Reset()
	}
	p.play.mu.Unlock()
}

// ── Capture ────────────────────────────────────────────────────────────────

// capture is the input stream callback.
func (p *Pipeline) capture(pcm []int16) {
	defer func() {
		if r := recover(); r != nil {
			p.captureFault.Do(func() {
				slog.Error("pipeline: capture callback panic, dropping frame", "panic", r)
			})
		}
	}()

	c := &p.capt
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rs == nil {
		return
	}

	mono := pcm
	if c.channels > 1 {
		c.mono = audio.Downmix(c.mono[:0], pcm, c.channels)
		mono = c.mono
	}
	c.resamp = c.rs.Process(c.resamp[:0], mono)
	c.frames.Write(c.resamp)

	rate := p.enc.Format().SampleRate
	for c.frames.ReadFrame(c.frame) {
		frame := make([]int16, len(c.frame))
		copy(frame, c.frame)

		det := audio.AudioFrame{Samples: make([]int16, len(frame)), SampleRate: rate, Channels: 1}
		copy(det.Samples, frame)
		if p.detection.Push(det) && p.detectionWatched.Load() {
			p.metrics.RecordDrop(context.Background(), "detection", 1)
		}

		p.cancelEcho(frame)

		pkt, err := p.enc.Encode(frame)
		if err != nil {
			p.metrics.RecordDecodeError(context.Background(), "encode")
			p.encodeFault.Do(func() { slog.Warn("pipeline: encode failed, dropping frame", "err", err) })
			continue
		}
		if fn := p.onEncoded.Load(); fn != nil {
			(*fn)(pkt)
		}
	}
}

// cancelEcho runs the echo canceller over frame in place, one native unit
// at a time. Frames that are not a whole number of units pass unchanged.
func (p *Pipeline) cancelEcho(frame []int16) {
	ref := p.ref.Load()
	if p.aec == nil || ref == nil {
		return
	}
	unit := ref.Unit()
	if unit <= 0 || len(frame)%unit != 0 {
		return
	}
	refUnit := make([]int16, unit)
	for off := 0; off < len(frame); off += unit {
		ref.PopInto(refUnit)
		sub := frame[off : off+unit]
		if err := p.aec.Process(sub, refUnit, sub); err != nil {
			p.aecFault.Do(func() { slog.Warn("pipeline: echo cancellation failed", "err", err) })
			return
		}
	}
}

// Devices selects the hardware streams and their requested rates.
type Devices struct {
	InputDevice      string
	InputSampleRate  int
	OutputDevice     string
	OutputSampleRate int
}

// SetDevices changes the devices used by the next stream open. Running
// streams keep theirs until restarted.
func (p *Pipeline) SetDevices(d Devices) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.InputDevice = d.InputDevice
	p.cfg.InputSampleRate = d.InputSampleRate
	p.cfg.OutputDevice = d.OutputDevice
	p.cfg.OutputSampleRate = d.OutputSampleRate
}

// DetectionFrame pops the oldest pre-cancellation capture frame. The first
// call registers a consumer; before that the queue silently keeps only the
// newest frames.
func (p *Pipeline) DetectionFrame() (audio.AudioFrame, bool) {
	p.detectionWatched.Store(true)
	return p.detection.Pop()
}

// DetectionReady signals after a detection frame was queued. Calling it
// registers a consumer like [Pipeline.DetectionFrame].
func (p *Pipeline) DetectionReady() <-chan struct{} {
	p.detectionWatched.Store(true)
	return p.detection.Ready()
}

// ── Playback ───────────────────────────────────────────────────────────────

// WriteAudio decodes one packet and queues it for playback. A packet that
// does not decode to exactly one frame is dropped with an error wrapping
// [protocol.ErrDecode].
func (p *Pipeline) WriteAudio(pkt []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	pcm, err := p.dec.Decode(pkt)
	if err == nil {
		want := p.dec.FrameSamples() * max(p.dec.Format().Channels, 1)
		if len(pcm) != want {
			err = fmt.Errorf("decoded %d samples, want %d: %w", len(pcm), want, audio.ErrFrameSize)
		}
	}
	if err != nil {
		p.metrics.RecordDecodeError(context.Background(), "decode")
		slog.Debug("pipeline: dropping undecodable packet", "len", len(pkt), "err", err)
		return fmt.Errorf("%w: pipeline: %w", protocol.ErrDecode, err)
	}

	if ch := p.dec.Format().Channels; ch > 1 {
		pcm = audio.Downmix(nil, pcm, ch)
	}
	if p.playback.Push(pcm) {
		p.metrics.RecordDrop(context.Background(), "playback", 1)
	}
	return nil
}

// PlaybackQueued returns the number of decoded frames awaiting playback.
func (p *Pipeline) PlaybackQueued() int { return p.playback.Len() }

// render is the output stream callback.
func (p *Pipeline) render(out []int16) {
	defer func() {
		if r := recover(); r != nil {
			clear(out)
			p.playbackFault.Do(func() {
				slog.Error("pipeline: playback callback panic, rendering silence", "panic", r)
			})
		}
	}()

	s := &p.play
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rs == nil {
		clear(out)
		return
	}

	frames := len(out) / s.channels
	for len(s.pending) < frames {
		pcm, ok := p.playback.Pop()
		if !ok {
			break
		}
		s.pending = s.rs.Process(s.pending, pcm)
	}
	n := min(frames, len(s.pending))
	for i := range frames {
		var v int16
		if i < n {
			v = s.pending[i]
		}
		for c := range s.channels {
			out[i*s.channels+c] = v
		}
	}

	if ref := p.ref.Load(); ref != nil && p.refPlayback.Load() {
		if s.channels == 1 {
			ref.Write(out[:frames])
		} else {
			mono := make([]int16, frames)
			copy(mono, s.pending[:n])
			ref.Write(mono)
		}
	}
	s.pending = s.pending[:copy(s.pending, s.pending[n:])]
}

func cmpOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
