package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertions.
var (
	_ Host   = (*MalgoHost)(nil)
	_ Stream = (*malgoStream)(nil)
)

// MalgoHost is a [Host] backed by miniaudio through malgo.
type MalgoHost struct {
	ctx       *malgo.AllocatedContext
	closeOnce sync.Once
}

// NewMalgoHost initialises the miniaudio context with the platform's default
// backend list.
func NewMalgoHost() (*MalgoHost, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &MalgoHost{ctx: ctx}, nil
}

// OpenCapture implements [Host].
func (h *MalgoHost) OpenCapture(cfg StreamConfig, fn CaptureFunc) (Stream, error) {
	return h.openInput(malgo.Capture, cfg, fn)
}

// OpenLoopback implements [Host]. miniaudio only implements loopback on WASAPI.
func (h *MalgoHost) OpenLoopback(cfg StreamConfig, fn CaptureFunc) (Stream, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrUnsupported
	}
	return h.openInput(malgo.Loopback, cfg, fn)
}

func (h *MalgoHost) openInput(kind malgo.DeviceType, cfg StreamConfig, fn CaptureFunc) (Stream, error) {
	dc := malgo.DefaultDeviceConfig(kind)
	if kind == malgo.Capture {
		infos, id, err := h.lookup(malgo.Capture, cfg.Device)
		if err != nil {
			return nil, err
		}
		defer runtime.KeepAlive(infos)
		dc.Capture.DeviceID = id
	}
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)

	var scratch []int16
	onData := func(_, in []byte, _ uint32) {
		scratch = audio.BytesToInt16s(scratch[:0], in)
		fn(scratch)
	}

	dev, err := malgo.InitDevice(h.ctx.Context, dc, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", kindName(kind), err)
	}
	return &malgoStream{
		dev: dev,
		format: audio.Format{
			SampleRate: int(dev.SampleRate()),
			Channels:   int(dev.CaptureChannels()),
		},
		kind: kind,
	}, nil
}

// OpenPlayback implements [Host].
func (h *MalgoHost) OpenPlayback(cfg StreamConfig, fn RenderFunc) (Stream, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	infos, id, err := h.lookup(malgo.Playback, cfg.Device)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(infos)
	dc.Playback.DeviceID = id
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)

	var scratch []int16
	onData := func(out, _ []byte, _ uint32) {
		n := len(out) / 2
		if cap(scratch) < n {
			scratch = make([]int16, n)
		}
		scratch = scratch[:n]
		clear(scratch)
		fn(scratch)
		audio.Int16sToBytes(out, scratch)
	}

	dev, err := malgo.InitDevice(h.ctx.Context, dc, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, fmt.Errorf("device: open playback: %w", err)
	}
	return &malgoStream{
		dev: dev,
		format: audio.Format{
			SampleRate: int(dev.SampleRate()),
			Channels:   int(dev.PlaybackChannels()),
		},
		kind: malgo.Playback,
	}, nil
}

// lookup resolves a device name to a miniaudio device id. An empty name
// yields a nil id, which selects the default device. The returned slice owns
// the id memory and must stay reachable until the device is initialised.
func (h *MalgoHost) lookup(kind malgo.DeviceType, name string) ([]malgo.DeviceInfo, unsafe.Pointer, error) {
	if name == "" {
		return nil, nil, nil
	}
	infos, err := h.ctx.Devices(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("device: list %s devices: %w", kindName(kind), err)
	}
	for i := range infos {
		if strings.EqualFold(infos[i].Name(), name) {
			slog.Debug("device: selected", "kind", kindName(kind), "name", infos[i].Name())
			return infos, infos[i].ID.Pointer(), nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s device %q", ErrNoDevice, kindName(kind), name)
}

// Close releases the miniaudio context. Streams must be closed first.
func (h *MalgoHost) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.ctx.Uninit()
		h.ctx.Free()
	})
	return err
}

type malgoStream struct {
	mu     sync.Mutex
	dev    *malgo.Device
	format audio.Format
	kind   malgo.DeviceType
}

func (s *malgoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return fmt.Errorf("device: start %s: stream closed", kindName(s.kind))
	}
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("device: start %s: %w", kindName(s.kind), err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || !s.dev.IsStarted() {
		return nil
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("device: stop %s: %w", kindName(s.kind), err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	// Uninit stops the device and waits for the audio thread to leave the callback.
	s.dev.Uninit()
	s.dev = nil
	return nil
}

func (s *malgoStream) Format() audio.Format { return s.format }

func kindName(k malgo.DeviceType) string {
	switch k {
	case malgo.Capture:
		return "capture"
	case malgo.Playback:
		return "playback"
	case malgo.Loopback:
		return "loopback"
	default:
		return "device"
	}
}
