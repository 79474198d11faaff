package audio

import "time"

// AudioFrame is a fixed-length block of int16 PCM samples at a declared rate.
// A frame is owned by exactly one pipeline stage at a time; stages that hand a
// frame to another goroutine must not keep using its Samples slice.
type AudioFrame struct {
	// Samples holds interleaved int16 PCM. len(Samples) == SamplesPerChannel * Channels.
	Samples []int16

	// SampleRate in Hz (e.g., 16000 for the capture codec, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Duration returns the wall-clock time covered by the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy of f so the copy can cross a goroutine boundary.
func (f AudioFrame) Clone() AudioFrame {
	s := make([]int16, len(f.Samples))
	copy(s, f.Samples)
	f.Samples = s
	return f
}

// FrameSamples returns the number of samples per channel covered by a frame of
// duration d at the given sample rate (e.g. 16000 Hz, 20 ms → 320).
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
