// Package audio defines the PCM types and the real-time primitives shared by
// the voicelink audio pipeline and its transports.
//
// The package provides:
//
//   - [AudioFrame]: a block of int16 PCM at a declared rate.
//   - [Queue]: a bounded FIFO that drops its oldest element when full, used
//     between every fast producer and rate-limited consumer.
//   - [Resampler] and [FrameBuffer]: a stateful linear resampler and the
//     accumulator that turns its variable-length output into fixed frames.
//   - Channel conversion helpers ([MonoToStereo], [StereoToMono]).
//
// Nothing in this package blocks; all operations are safe to call from a
// hardware audio callback.
package audio
