package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultReferenceCapacity bounds the reference backlog.
const DefaultReferenceCapacity = 500 * time.Millisecond

// unitDuration is the echo canceller's native processing unit.
const unitDuration = 10 * time.Millisecond

// ReferenceBufferer collects the far-end (rendered) signal at its own rate and
// hands it out in fixed 10 ms units at the capture rate, aligned one for one
// with the capture sub-frames fed to the echo canceller.
//
// Write and Pop may be called from different hardware threads.
type ReferenceBufferer struct {
	mu       sync.Mutex
	channels int
	rs       *audio.Resampler
	buf      []int16
	unit     int
	limit    int
	dropped  int
	mono     []int16
	scratch  []int16
}

// NewReferenceBufferer returns a bufferer fed with src-formatted PCM and
// emitting units at captureRate. capacity <= 0 selects
// [DefaultReferenceCapacity].
func NewReferenceBufferer(src audio.Format, captureRate int, capacity time.Duration) *ReferenceBufferer {
	if capacity <= 0 {
		capacity = DefaultReferenceCapacity
	}
	unit := audio.FrameSamples(captureRate, unitDuration)
	limit := max(audio.FrameSamples(captureRate, capacity), unit)
	return &ReferenceBufferer{
		channels: max(src.Channels, 1),
		rs:       audio.NewResampler(src.SampleRate, captureRate),
		buf:      make([]int16, 0, limit+unit),
		unit:     unit,
		limit:    limit,
	}
}

// Write appends interleaved reference PCM, evicting the oldest samples once
// the backlog exceeds its capacity.
func (b *ReferenceBufferer) Write(pcm []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mono := pcm
	if b.channels > 1 {
		b.mono = audio.Downmix(b.mono[:0], pcm, b.channels)
		mono = b.mono
	}
	b.scratch = b.rs.Process(b.scratch[:0], mono)
	b.buf = append(b.buf, b.scratch...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.dropped += over
	}
}

// Pop returns exactly one unit of reference samples, padded with silence
// when the backlog is short. The returned slice is newly allocated.
func (b *ReferenceBufferer) Pop() []int16 {
	out := make([]int16, b.unit)
	b.PopInto(out)
	return out
}

// PopInto fills dst[:Unit()] with the next unit and reports how many real
// (non-padding) samples it contained.
func (b *ReferenceBufferer) PopInto(dst []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst = dst[:b.unit]
	n := copy(dst, b.buf)
	clear(dst[n:])
	b.buf = append(b.buf[:0], b.buf[n:]...)
	return n
}

// Unit returns the unit length in samples.
func (b *ReferenceBufferer) Unit() int { return b.unit }

// Buffered returns the number of pending samples at the capture rate.
func (b *ReferenceBufferer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped returns how many samples were evicted by the capacity bound.
func (b *ReferenceBufferer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards the backlog and the resampler state.
func (b *ReferenceBufferer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.rs.Reset()
}
