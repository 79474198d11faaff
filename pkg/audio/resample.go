package audio

// Resampler converts a continuous mono int16 stream from one sample rate to
// another using linear interpolation. Unlike a one-shot resample of each
// buffer, it carries the last input sample and the fractional read position
// across calls, so feeding a stream in arbitrary chunks yields the same output
// as feeding it in one piece and chunk boundaries produce no clicks.
//
// A Resampler is not safe for concurrent use; each stream owns its own.
type Resampler struct {
	srcRate int
	dstRate int
	step    float64 // input samples advanced per output sample

	// pos is the position of the next output sample relative to the first
	// sample of the next input chunk. Values in [-1, 0) interpolate between
	// prev and that first sample.
	pos    float64
	prev   int16
	primed bool
}

// NewResampler returns a streaming resampler from srcRate to dstRate.
// Non-positive rates yield a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	if srcRate > 0 && dstRate > 0 {
		r.step = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Passthrough reports whether the resampler leaves samples unchanged.
func (r *Resampler) Passthrough() bool {
	return r.srcRate == r.dstRate || r.srcRate <= 0 || r.dstRate <= 0
}

// Process resamples in and appends the produced samples to dst.
func (r *Resampler) Process(dst, in []int16) []int16 {
	if r.Passthrough() {
		return append(dst, in...)
	}
	n := len(in)
	if n == 0 {
		return dst
	}
	if !r.primed {
		r.prev = in[0]
		r.pos = 0
		r.primed = true
	}

	t := r.pos
	last := float64(n - 1)
	for t <= last {
		idx := int(t)
		if t < 0 {
			idx = -1
		}
		frac := t - float64(idx)

		var s0, s1 int16
		if idx < 0 {
			s0 = r.prev
		} else {
			s0 = in[idx]
		}
		if idx+1 < n {
			s1 = in[idx+1]
		} else {
			s1 = s0
		}
		v := float64(s0)*(1-frac) + float64(s1)*frac
		dst = append(dst, clamp16(int32(v)))
		t += r.step
	}

	r.pos = t - float64(n)
	r.prev = in[n-1]
	return dst
}

// Reset discards the carried state so the next Process call starts a new stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.primed = false
}

// FrameBuffer accumulates samples of arbitrary length and releases them only
// as complete fixed-size frames. Its backlog is bounded: when more than
// maxFrames whole frames are pending, the oldest samples are discarded.
//
// A FrameBuffer is not safe for concurrent use.
type FrameBuffer struct {
	frameLen  int
	maxFrames int
	buf       []int16
	dropped   int
}

// NewFrameBuffer returns a FrameBuffer emitting frames of frameLen samples and
// retaining at most maxFrames frames of backlog (minimum 1).
func NewFrameBuffer(frameLen, maxFrames int) *FrameBuffer {
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &FrameBuffer{
		frameLen:  frameLen,
		maxFrames: maxFrames,
		buf:       make([]int16, 0, frameLen*(maxFrames+1)),
	}
}

// Write appends samples to the backlog, evicting the oldest samples when the
// backlog would exceed its bound.
func (b *FrameBuffer) Write(samples []int16) {
	b.buf = append(b.buf, samples...)
	limit := b.frameLen * b.maxFrames
	if over := len(b.buf) - limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.dropped += over
	}
}

// ReadFrame copies the next complete frame into dst (which must hold at least
// FrameLen samples) and reports whether a frame was available. Short
// remainders stay buffered until enough samples arrive.
func (b *FrameBuffer) ReadFrame(dst []int16) bool {
	if len(b.buf) < b.frameLen || len(dst) < b.frameLen {
		return false
	}
	copy(dst, b.buf[:b.frameLen])
	b.buf = append(b.buf[:0], b.buf[b.frameLen:]...)
	return true
}

// Read copies up to len(dst) buffered samples into dst regardless of frame
// boundaries and returns how many were copied.
func (b *FrameBuffer) Read(dst []int16) int {
	n := copy(dst, b.buf)
	b.buf = append(b.buf[:0], b.buf[n:]...)
	return n
}

// Buffered returns the number of pending samples.
func (b *FrameBuffer) Buffered() int { return len(b.buf) }

// FrameLen returns the emitted frame length in samples.
func (b *FrameBuffer) FrameLen() int { return b.frameLen }

// Dropped returns the number of samples evicted because of the backlog bound.
func (b *FrameBuffer) Dropped() int { return b.dropped }

// Reset discards all buffered samples.
func (b *FrameBuffer) Reset() { b.buf = b.buf[:0] }
