// Package vad defines the frame-level speech classifier boundary used by the
// gating pipeline.
//
// A classifier wraps a speech detector (an energy heuristic, WebRTC VAD, or a
// model-based backend) and surfaces it as a synchronous per-frame decision
// function. The temporal logic — onset detection, pre-roll, silence-based
// segment closure — lives in pkg/gate; classifiers only answer "does this one
// frame contain speech?".
//
// Classification is synchronous by design: IsSpeech returns immediately,
// making it suitable for the low-latency per-frame loop that drives the gate.
//
// A Classifier instance is owned by a single gate and is not required to be
// safe for concurrent use unless the implementation documents otherwise.
package vad

// Classifier is the speech/non-speech decision function applied to each audio
// frame.
type Classifier interface {
	// IsSpeech reports whether frame contains speech. The frame must be raw
	// little-endian 16-bit mono PCM whose length matches the frame size the
	// caller configured. sampleRate is the stream's sample rate in Hz.
	//
	// An error indicates the classifier itself failed (malformed frame,
	// backend fault). There is no safe default decision, so callers treat a
	// classification error as fatal for the stream.
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// ModeSetter is an optional capability for classifiers with a tunable
// aggressiveness, ranging 0 (most permissive) to 3 (most aggressive).
//
// Callers apply the mode best-effort at construction time: a classifier that
// does not implement ModeSetter, or whose SetMode returns an error, is used
// with its built-in defaults.
type ModeSetter interface {
	SetMode(aggressiveness int) error
}
