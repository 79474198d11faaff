package audio

import "errors"

// ErrFrameSize is returned when a PCM frame or a decoded packet does not have
// the fixed length the codec contract requires.
var ErrFrameSize = errors.New("audio: frame size mismatch")

// FrameEncoder compresses one fixed-length PCM frame into an opaque packet.
type FrameEncoder interface {
	// Encode compresses exactly FrameSamples()*Channels samples.
	Encode(pcm []int16) ([]byte, error)

	// Format returns the sample rate and channel count the encoder expects.
	Format() Format

	// FrameSamples returns the number of samples per channel per frame.
	FrameSamples() int
}

// FrameDecoder expands one packet into a fixed-length PCM frame.
type FrameDecoder interface {
	// Decode returns exactly FrameSamples()*Channels samples or an error
	// wrapping [ErrFrameSize].
	Decode(pkt []byte) ([]int16, error)

	// Format returns the sample rate and channel count produced.
	Format() Format

	// FrameSamples returns the number of samples per channel per frame.
	FrameSamples() int
}

// EchoCanceller removes a reference signal from a near-end capture frame.
// It operates on mono frames of exactly FrameSamples() samples, its native
// processing unit.
type EchoCanceller interface {
	// Process writes near with the echo of ref removed into out. All three
	// slices hold exactly FrameSamples() samples. out may alias near.
	Process(near, ref, out []int16) error

	// FrameSamples returns the native unit in samples.
	FrameSamples() int
}
