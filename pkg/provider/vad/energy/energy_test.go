package energy

import (
	"encoding/binary"
	"math"
	"testing"
)

// sine returns one frame of little-endian int16 PCM holding a sine wave at
// the given amplitude (0.0–1.0).
func sine(samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64) * 32767
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func TestIsSpeech_EnergyThreshold(t *testing.T) {
	c := New()

	tests := []struct {
		name      string
		amplitude float64
		want      bool
	}{
		{"digital silence", 0, false},
		{"faint noise", 0.01, false},
		{"conversational speech", 0.3, true},
		{"loud speech", 0.9, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.IsSpeech(sine(480, tc.amplitude), 16000)
			if err != nil {
				t.Fatalf("IsSpeech: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsSpeech(amplitude %.2f) = %v, want %v", tc.amplitude, got, tc.want)
			}
		})
	}
}

func TestIsSpeech_RejectsMalformedFrames(t *testing.T) {
	c := New()
	for _, n := range []int{0, 1, 3, 961} {
		if _, err := c.IsSpeech(make([]byte, n), 16000); err == nil {
			t.Errorf("IsSpeech accepted %d-byte frame", n)
		}
	}
}

func TestSetMode(t *testing.T) {
	c := New()

	// A quiet signal passes at the most permissive mode but not the most
	// aggressive one.
	quiet := sine(480, 0.012)

	if err := c.SetMode(0); err != nil {
		t.Fatalf("SetMode(0): %v", err)
	}
	if got, _ := c.IsSpeech(quiet, 16000); !got {
		t.Error("mode 0 rejected a quiet signal above its threshold")
	}

	if err := c.SetMode(3); err != nil {
		t.Fatalf("SetMode(3): %v", err)
	}
	if got, _ := c.IsSpeech(quiet, 16000); got {
		t.Error("mode 3 accepted a quiet signal below its threshold")
	}

	for _, bad := range []int{-1, 4} {
		if err := c.SetMode(bad); err == nil {
			t.Errorf("SetMode(%d) accepted out-of-range aggressiveness", bad)
		}
	}
}
