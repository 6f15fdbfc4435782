package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/compass-agent/compass/pkg/audio"
)

func float32LE(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func TestFloatConv_MatchesWholeStreamConversion(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1.0, -1.0, 2.0, -2.0, 0.25}
	raw := float32LE(samples...)
	want := audio.Float32ToInt16LE(samples)

	// Chunk boundaries deliberately misaligned with the 4-byte sample size.
	for _, chunk := range []int{1, 3, 5, 7, len(raw)} {
		fc := &floatConv{}
		var got []byte
		for off := 0; off < len(raw); off += chunk {
			end := min(off+chunk, len(raw))
			got = append(got, fc.convert(raw[off:end])...)
		}

		if !bytes.Equal(got, want) {
			t.Errorf("chunk size %d: converted bytes differ from whole-stream conversion", chunk)
		}
		if len(fc.carry) != 0 {
			t.Errorf("chunk size %d: %d carry bytes left after aligned stream", chunk, len(fc.carry))
		}
	}
}

func TestFloatConv_CarriesPartialSample(t *testing.T) {
	raw := float32LE(0.5)

	fc := &floatConv{}
	if got := fc.convert(raw[:3]); len(got) != 0 {
		t.Fatalf("partial sample produced %d output bytes, want 0", len(got))
	}
	if len(fc.carry) != 3 {
		t.Fatalf("carry = %d bytes, want 3", len(fc.carry))
	}

	got := fc.convert(raw[3:])
	want := audio.Float32ToInt16LE([]float32{0.5})
	if !bytes.Equal(got, want) {
		t.Errorf("reassembled sample = %v, want %v", got, want)
	}
}
