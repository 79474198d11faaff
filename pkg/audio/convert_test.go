package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/google/go-cmp/cmp"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.MonoToStereo(nil, []int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MonoToStereo mismatch (-want +got):\n%s", diff)
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.StereoToMono(nil, []int16{100, 200, -100, -200})
	want := []int16{150, -150}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("StereoToMono mismatch (-want +got):\n%s", diff)
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := audio.StereoToMono(nil, []int16{32767, 32767, -32768, -32768})
	want := []int16{32767, -32768}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("StereoToMono mismatch (-want +got):\n%s", diff)
	}
}

func TestDownmixUpmix(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		in       []int16
		down     []int16
	}{
		{name: "mono", channels: 1, in: []int16{1, 2, 3}, down: []int16{1, 2, 3}},
		{name: "stereo", channels: 2, in: []int16{10, 20, 30, 40}, down: []int16{15, 35}},
		{name: "quad", channels: 4, in: []int16{4, 4, 8, 8}, down: []int16{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			down := audio.Downmix(nil, tt.in, tt.channels)
			if diff := cmp.Diff(tt.down, down); diff != "" {
				t.Errorf("Downmix mismatch (-want +got):\n%s", diff)
			}
			up := audio.Upmix(nil, down, tt.channels)
			if len(up) != len(down)*max(tt.channels, 1) {
				t.Errorf("Upmix length = %d, want %d", len(up), len(down)*tt.channels)
			}
		})
	}
}

func TestBytesRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768}
	b := make([]byte, len(pcm)*2)
	if n := audio.Int16sToBytes(b, pcm); n != len(b) {
		t.Fatalf("Int16sToBytes wrote %d bytes, want %d", n, len(b))
	}
	got := audio.BytesToInt16s(nil, append(b, 0x7f)) // trailing odd byte ignored
	if diff := cmp.Diff(pcm, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameSamplesAndDuration(t *testing.T) {
	if got := audio.FrameSamples(16000, 20*time.Millisecond); got != 320 {
		t.Errorf("FrameSamples(16000, 20ms) = %d, want 320", got)
	}
	if got := audio.FrameSamples(24000, 20*time.Millisecond); got != 480 {
		t.Errorf("FrameSamples(24000, 20ms) = %d, want 480", got)
	}
	f := audio.AudioFrame{Samples: make([]int16, 960), SampleRate: 48000, Channels: 2}
	if got := f.Duration(); got != 10*time.Millisecond {
		t.Errorf("Duration = %v, want 10ms", got)
	}
}

func TestFormatString(t *testing.T) {
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("got %q", got)
	}
	if got := (audio.Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("got %q", got)
	}
}
