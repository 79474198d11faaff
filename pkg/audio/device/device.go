// Package device opens real-time capture and playback streams on the local
// audio hardware.
//
// The two primary abstractions are:
//
//   - [Host]: the audio backend; opens streams.
//   - [Stream]: one running hardware stream driven by a callback on a
//     real-time thread owned by the backend.
//
// Callbacks run on the backend's audio thread and must never block: no I/O,
// no locks held across I/O, no unbounded allocation. The sample slices passed
// to callbacks are reused between invocations and must not be retained.
package device

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrUnsupported is returned when the backend cannot provide the requested
// stream kind (e.g. loopback capture on a platform without it).
var ErrUnsupported = errors.New("device: stream kind not supported")

// ErrNoDevice is returned when no device matches [StreamConfig.Device].
var ErrNoDevice = errors.New("device: no such device")

// ErrUnavailable is returned by every stream of an [Unavailable] host.
var ErrUnavailable = errors.New("device: audio backend unavailable")

// CaptureFunc receives one period of interleaved PCM from an input stream.
type CaptureFunc func(pcm []int16)

// RenderFunc fills out with interleaved PCM for an output stream. Any part
// it leaves untouched plays as whatever the slice already holds, so
// implementations should write silence explicitly.
type RenderFunc func(out []int16)

// StreamConfig describes the hardware format requested for a stream.
type StreamConfig struct {
	// Device selects a device by name, case-insensitively. Empty selects the
	// system default. Loopback streams ignore it.
	Device string

	// SampleRate in Hz. Zero lets the backend choose the device's native rate.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// PeriodFrames is the preferred callback size in samples per channel.
	// Zero lets the backend choose.
	PeriodFrames int
}

// Stream is a running or stopped hardware stream.
type Stream interface {
	// Start begins invoking the stream callback.
	Start() error

	// Stop halts the callback. When Stop returns, the callback is not running
	// and will not be invoked again until Start.
	Stop() error

	// Close stops the stream and releases the device. Safe to call more than once.
	Close() error

	// Format reports the format the hardware actually delivers.
	Format() audio.Format
}

// Host opens streams on one audio backend.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// OpenCapture opens the configured or default input device.
	OpenCapture(cfg StreamConfig, fn CaptureFunc) (Stream, error)

	// OpenPlayback opens the configured or default output device.
	OpenPlayback(cfg StreamConfig, fn RenderFunc) (Stream, error)

	// OpenLoopback opens a capture of the system's rendered output, used as
	// the echo-cancellation reference. Returns [ErrUnsupported] when the
	// backend has no loopback capability.
	OpenLoopback(cfg StreamConfig, fn CaptureFunc) (Stream, error)

	// Close releases the backend.
	Close() error
}

// Unavailable returns a [Host] for a backend that failed to initialise.
// Every Open call fails with an error wrapping [ErrUnavailable] and cause.
func Unavailable(cause error) Host {
	return unavailableHost{cause: cause}
}

type unavailableHost struct{ cause error }

func (h unavailableHost) OpenCapture(StreamConfig, CaptureFunc) (Stream, error) {
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, h.cause)
}

func (h unavailableHost) OpenPlayback(StreamConfig, RenderFunc) (Stream, error) {
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, h.cause)
}

func (h unavailableHost) OpenLoopback(StreamConfig, CaptureFunc) (Stream, error) {
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, h.cause)
}

func (unavailableHost) Close() error { return nil }
