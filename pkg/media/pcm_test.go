package media

import (
	"math"
	"testing"
	"time"
)

func TestFormat_Duration(t *testing.T) {
	f := DefaultFormat() // 24kHz mono 16-bit = 48000 bytes/sec

	tests := []struct {
		name  string
		bytes int
		want  time.Duration
	}{
		{"one second", 48000, time.Second},
		{"20ms frame", 960, 20 * time.Millisecond},
		{"zero", 0, 0},
		{"negative", -10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestFormat_BytesFor(t *testing.T) {
	f := DefaultFormat()

	if got := f.BytesFor(20 * time.Millisecond); got != 960 {
		t.Errorf("BytesFor(20ms) = %d, want 960", got)
	}
	if got := f.BytesFor(time.Second); got != 48000 {
		t.Errorf("BytesFor(1s) = %d, want 48000", got)
	}
	if got := f.BytesFor(-time.Second); got != 0 {
		t.Errorf("BytesFor(-1s) = %d, want 0", got)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	for _, d := range []time.Duration{20 * time.Millisecond, 250 * time.Millisecond, time.Second} {
		if got := f.Duration(f.BytesFor(d)); got != d {
			t.Errorf("Duration(BytesFor(%v)) = %v", d, got)
		}
	}
}

func TestRMSEnergy(t *testing.T) {
	silence := make([]byte, 960)
	if got := RMSEnergy(silence); got != 0 {
		t.Errorf("RMSEnergy(silence) = %v, want 0", got)
	}

	// Full-scale square wave has RMS of ~1.0.
	square := make([]int16, 480)
	for i := range square {
		if i%2 == 0 {
			square[i] = 32767
		} else {
			square[i] = -32768
		}
	}
	if got := RMSEnergy(SamplesToBytes(square)); math.Abs(got-1.0) > 1e-3 {
		t.Errorf("RMSEnergy(square) = %v, want ~1.0", got)
	}

	if got := RMSEnergy(nil); got != 0 {
		t.Errorf("RMSEnergy(nil) = %v, want 0", got)
	}
}

func TestPeakAmplitude(t *testing.T) {
	samples := []int16{0, 100, -32768, 5000}
	if got := PeakAmplitude(SamplesToBytes(samples)); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("PeakAmplitude = %v, want 1.0", got)
	}
	if got := PeakAmplitude(nil); got != 0 {
		t.Errorf("PeakAmplitude(nil) = %v, want 0", got)
	}
}

func TestSampleConversion_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := BytesToSamples(SamplesToBytes(samples))

	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestBytesToSamples_DropsTrailingByte(t *testing.T) {
	got := BytesToSamples([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != 0x0201 {
		t.Errorf("sample = %#x, want 0x0201", got[0])
	}
}
