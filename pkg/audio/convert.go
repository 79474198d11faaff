package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// MonoToStereo duplicates each mono sample into an L+R pair, appending to dst.
func MonoToStereo(dst, mono []int16) []int16 {
	for _, s := range mono {
		dst = append(dst, s, s)
	}
	return dst
}

// StereoToMono averages L+R per stereo frame, appending to dst. Uses int32
// arithmetic so the sum cannot overflow.
func StereoToMono(dst, stereo []int16) []int16 {
	frames := len(stereo) / 2
	for i := range frames {
		avg := (int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2
		dst = append(dst, clamp16(avg))
	}
	return dst
}

// Downmix reduces interleaved PCM with the given channel count to mono by
// averaging every frame, appending to dst. channels <= 1 copies the input.
func Downmix(dst, pcm []int16, channels int) []int16 {
	switch {
	case channels <= 1:
		return append(dst, pcm...)
	case channels == 2:
		return StereoToMono(dst, pcm)
	}
	frames := len(pcm) / channels
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i*channels+c])
		}
		dst = append(dst, clamp16(sum/int32(channels)))
	}
	return dst
}

// Upmix spreads mono PCM over the given channel count, appending to dst.
func Upmix(dst, mono []int16, channels int) []int16 {
	switch {
	case channels <= 1:
		return append(dst, mono...)
	case channels == 2:
		return MonoToStereo(dst, mono)
	}
	for _, s := range mono {
		for range channels {
			dst = append(dst, s)
		}
	}
	return dst
}

// BytesToInt16s decodes little-endian int16 PCM bytes. A trailing odd byte is
// ignored.
func BytesToInt16s(dst []int16, b []byte) []int16 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return dst
}

// Int16sToBytes encodes PCM samples as little-endian bytes into dst, which must
// hold at least 2*len(pcm) bytes. It returns the number of bytes written.
func Int16sToBytes(dst []byte, pcm []int16) int {
	n := 0
	for _, s := range pcm {
		if n+2 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint16(dst[n:], uint16(s))
		n += 2
	}
	return n
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
