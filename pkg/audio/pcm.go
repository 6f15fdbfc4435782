// Package audio provides small PCM helpers shared by the gating pipeline:
// frame sizing, float-to-int16 conversion for capture layers that deliver
// float samples, and a channel drain utility.
//
// The pipeline works exclusively with little-endian 16-bit mono PCM; this
// package is the only place sample encoding knowledge lives outside the
// classifier implementations.
package audio

import "encoding/binary"

// BytesPerSample is the width of one little-endian int16 sample.
const BytesPerSample = 2

// FrameBytes returns the byte length of one frame of mono int16 PCM at the
// given sample rate and frame duration.
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * BytesPerSample
}

// Float32ToInt16LE converts normalised float32 samples in [-1.0, 1.0] to
// little-endian int16 PCM, clipping out-of-range values. Capture layers that
// produce float buffers (e.g. portaudio-style callbacks) use this before
// feeding the gate.
func Float32ToInt16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := s * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Drain reads from ch until the channel is closed, discarding all values.
// Capture layers that stream frames over a channel use this to prevent
// goroutine leaks when abandoning a stream mid-flight; nothing in this module
// streams over channels it does not already drain itself.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
