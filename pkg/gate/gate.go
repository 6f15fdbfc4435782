// Package gate implements the real-time voice-activity gating state machine.
//
// A Gate consumes a continuous little-endian 16-bit mono PCM stream, slices
// it into fixed-duration frames, classifies each frame through an injected
// [vad.Classifier], and emits discrete speech segments through a callback.
// Each emitted [Segment] carries a bounded window of pre-speech context
// ("pre-roll") and is trimmed of the trailing silence that triggered its
// closure.
//
// The machine has three states:
//
//   - IDLE: no speech detected. Non-speech frames accumulate in a bounded
//     pre-roll ring, so memory stays constant during indefinite silence.
//   - LISTENING: speech detected. Speech frames accumulate in the active
//     buffer; non-speech frames accumulate in a tail-silence buffer until
//     continuous silence reaches the stop threshold.
//   - ENDING: transient state while a segment is finalised. The gate resets
//     to IDLE synchronously, so no frame should ever observe this state.
//
// A Gate is driven entirely by its caller and provides no synchronisation:
// feed it from exactly one goroutine. See internal/pipeline for the bounded
// hand-off used when audio arrives on a different goroutine.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/compass-agent/compass/pkg/audio"
	"github.com/compass-agent/compass/pkg/provider/vad"
)

// State identifies the gate's position in the IDLE → LISTENING → ENDING cycle.
type State int

const (
	// StateIdle means no speech has been detected; the gate is accumulating
	// rolling pre-roll context.
	StateIdle State = iota

	// StateListening means speech has been detected; the gate is accumulating
	// active audio and tracking trailing silence.
	StateListening

	// StateEnding is the transient state during segment finalisation.
	StateEnding
)

// String returns the state name as used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateEnding:
		return "ENDING"
	default:
		return "UNKNOWN"
	}
}

// Frame is one fixed-duration slice of the input stream. Frames are never
// mutated after creation; ownership transfers into whichever buffer holds one.
type Frame struct {
	// Data is the raw PCM for this frame. Always exactly the gate's frame size.
	Data []byte

	// T0 is the frame's start time relative to stream start.
	T0 time.Duration

	// Duration is the frame length in stream time.
	Duration time.Duration
}

// End returns the frame's end time relative to stream start.
func (f Frame) End() time.Duration { return f.T0 + f.Duration }

// Segment is one finalised speech utterance. Its PCM is an independent copy
// with no aliasing into the gate's internal buffers.
type Segment struct {
	// PCM is the concatenated audio: pre-roll context followed by active
	// speech up to the last detected speech frame.
	PCM []byte

	// T0 is the start time of the earliest included frame.
	T0 time.Duration

	// T1 is the end time of the last speech frame. Always > T0.
	T1 time.Duration

	// SampleRate is the stream sample rate in Hz.
	SampleRate int
}

// Duration returns the segment length in stream time.
func (s Segment) Duration() time.Duration { return s.T1 - s.T0 }

// Stats is a snapshot of the gate's process-lifetime diagnostics counters.
// Counters survive Reset.
type Stats struct {
	// FramesTotal counts every classified frame. Always equal to
	// FramesSpeech + FramesSilence.
	FramesTotal uint64

	// FramesSpeech counts frames classified as speech.
	FramesSpeech uint64

	// FramesSilence counts frames classified as non-speech.
	FramesSilence uint64

	// WakeUps counts IDLE → LISTENING transitions.
	WakeUps uint64

	// Segments counts finalised segments.
	Segments uint64

	// Flaps counts protocol violations (a frame delivered in ENDING),
	// each recovered via forced reset.
	Flaps uint64
}

// Defaults applied by [New] for zero-valued Config fields.
const (
	DefaultSampleRate     = 16000
	DefaultFrameMs        = 30
	DefaultAggressiveness = 2
	DefaultPreRollMs      = 300
	DefaultSilenceStopMs  = 700
)

// ErrNoClassifier is returned by [New] when Config.Classifier is nil.
var ErrNoClassifier = errors.New("gate: classifier is required")

// Config holds the construction parameters for a [Gate].
type Config struct {
	// SampleRate is the stream sample rate in Hz.
	// Must be one of 8000, 16000, 32000, 48000. Default: 16000.
	SampleRate int

	// FrameMs is the frame duration in milliseconds.
	// Must be one of 10, 20, 30. Default: 30.
	FrameMs int

	// Aggressiveness is passed through to the classifier when it implements
	// [vad.ModeSetter]. Best-effort: failure to apply is logged, not fatal.
	// A pointer because 0 (most permissive) is a valid mode; nil means
	// "use the default" (2).
	Aggressiveness *int

	// PreRollMs is how much audio immediately preceding detected speech to
	// retain in emitted segments. Default: 300.
	PreRollMs int

	// SilenceStopMs is the continuous non-speech duration that closes an open
	// segment. Default: 700.
	SilenceStopMs int

	// Classifier decides speech/non-speech per frame. Required.
	Classifier vad.Classifier

	// OnWake, when non-nil, is invoked once per speech onset
	// (IDLE → LISTENING). A panic in the callback is recovered and logged.
	OnWake func()

	// OnSegment, when non-nil, is invoked once per finalised segment.
	// A panic in the callback is recovered and logged.
	OnSegment func(Segment)
}

// Gate is the frame segmenter. Construct with [New]; not safe for concurrent
// use.
type Gate struct {
	sampleRate int
	frameMs    int
	frameBytes int
	frameDur   time.Duration

	silenceStop time.Duration
	maxTail     int

	classifier vad.Classifier
	onWake     func()
	onSegment  func(Segment)

	state State
	clock time.Duration // stream time consumed so far

	preRoll frameRing
	active  []Frame
	tail    []Frame

	silence       time.Duration // continuous non-speech while LISTENING
	lastSpeechEnd time.Duration
	spoke         bool // lastSpeechEnd is valid

	leftover []byte // partial frame carried between ProcessPCM calls

	stats Stats
}

// New validates cfg, applies defaults, and returns a Gate in IDLE.
//
// The classifier's aggressiveness is applied best-effort: if the classifier
// implements [vad.ModeSetter] and SetMode fails, the error is logged and
// construction proceeds.
func New(cfg Config) (*Gate, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameMs == 0 {
		cfg.FrameMs = DefaultFrameMs
	}
	if cfg.PreRollMs == 0 {
		cfg.PreRollMs = DefaultPreRollMs
	}
	if cfg.SilenceStopMs == 0 {
		cfg.SilenceStopMs = DefaultSilenceStopMs
	}

	var errs []error
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		errs = append(errs, fmt.Errorf("gate: sample rate %d Hz is not supported (want 8000, 16000, 32000, or 48000)", cfg.SampleRate))
	}
	switch cfg.FrameMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("gate: frame duration %d ms is not supported (want 10, 20, or 30)", cfg.FrameMs))
	}
	if cfg.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("gate: pre-roll %d ms must not be negative", cfg.PreRollMs))
	}
	if cfg.SilenceStopMs < 0 {
		errs = append(errs, fmt.Errorf("gate: silence stop %d ms must not be negative", cfg.SilenceStopMs))
	}
	if cfg.Classifier == nil {
		errs = append(errs, ErrNoClassifier)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	aggressiveness := DefaultAggressiveness
	if cfg.Aggressiveness != nil {
		aggressiveness = *cfg.Aggressiveness
	}
	if ms, ok := cfg.Classifier.(vad.ModeSetter); ok {
		if err := ms.SetMode(aggressiveness); err != nil {
			slog.Warn("gate: classifier did not accept aggressiveness",
				"aggressiveness", aggressiveness,
				"err", err,
			)
		}
	}

	preRollFrames := max(1, cfg.PreRollMs/cfg.FrameMs)

	g := &Gate{
		sampleRate:  cfg.SampleRate,
		frameMs:     cfg.FrameMs,
		frameBytes:  audio.FrameBytes(cfg.SampleRate, cfg.FrameMs),
		frameDur:    time.Duration(cfg.FrameMs) * time.Millisecond,
		silenceStop: time.Duration(cfg.SilenceStopMs) * time.Millisecond,
		maxTail:     max(1, cfg.SilenceStopMs/cfg.FrameMs),
		classifier:  cfg.Classifier,
		onWake:      cfg.OnWake,
		onSegment:   cfg.OnSegment,
		preRoll:     newFrameRing(preRollFrames),
	}
	return g, nil
}

// SampleRate returns the configured sample rate in Hz.
func (g *Gate) SampleRate() int { return g.sampleRate }

// FrameBytes returns the byte length of one frame.
func (g *Gate) FrameBytes() int { return g.frameBytes }

// FrameDuration returns the duration of one frame.
func (g *Gate) FrameDuration() time.Duration { return g.frameDur }

// Elapsed returns the total stream time consumed so far. It advances by one
// frame duration per complete frame and survives Reset.
func (g *Gate) Elapsed() time.Duration { return g.clock }

// Stats returns a snapshot of the diagnostics counters.
func (g *Gate) Stats() Stats { return g.stats }

// ProcessPCM consumes an arbitrarily-sized chunk of little-endian 16-bit PCM.
// Any partial-frame remainder is carried over to the next call, so chunk
// boundaries need not align to frame boundaries and no byte is ever lost or
// duplicated.
//
// A classifier failure aborts processing at the offending frame and is
// returned to the caller; the frame's bytes remain buffered but the gate
// should be considered unusable for the stream (there is no safe default
// decision to fall back on).
func (g *Gate) ProcessPCM(pcm []byte) error {
	buf := pcm
	if len(g.leftover) > 0 {
		buf = make([]byte, 0, len(g.leftover)+len(pcm))
		buf = append(buf, g.leftover...)
		buf = append(buf, pcm...)
	}

	idx := 0
	for idx+g.frameBytes <= len(buf) {
		data := make([]byte, g.frameBytes)
		copy(data, buf[idx:idx+g.frameBytes])
		f := Frame{Data: data, T0: g.clock, Duration: g.frameDur}

		if err := g.processFrame(f); err != nil {
			g.leftover = append([]byte(nil), buf[idx:]...)
			return err
		}
		g.clock += g.frameDur
		idx += g.frameBytes
	}

	g.leftover = append([]byte(nil), buf[idx:]...)
	return nil
}

// Reset returns the gate to IDLE: all three buffers are emptied, the silence
// counter and speech-end marker are cleared, and any unconsumed partial-frame
// remainder is discarded. Diagnostics counters and the elapsed-time clock are
// not reset.
func (g *Gate) Reset() {
	g.state = StateIdle
	g.preRoll.clear()
	g.active = nil
	g.tail = nil
	g.silence = 0
	g.lastSpeechEnd = 0
	g.spoke = false
	g.leftover = nil
}

// processFrame classifies one frame and applies the state transition.
func (g *Gate) processFrame(f Frame) error {
	speech, err := g.classifier.IsSpeech(f.Data, g.sampleRate)
	if err != nil {
		return fmt.Errorf("gate: classify frame at %v: %w", f.T0, err)
	}

	g.stats.FramesTotal++
	if speech {
		g.stats.FramesSpeech++
	} else {
		g.stats.FramesSilence++
	}

	switch g.state {
	case StateIdle:
		if speech {
			// First speech frame belongs to the active buffer, not pre-roll.
			g.wake()
			g.addSpeech(f)
		} else {
			g.preRoll.push(f)
		}

	case StateListening:
		if speech {
			g.addSpeech(f)
		} else {
			g.addSilence(f)
			if g.silence >= g.silenceStop {
				g.finalize()
			}
		}

	case StateEnding:
		// Finalisation resets synchronously, so a frame here means reentrant
		// or misordered delivery. Self-heal: force reset and keep the frame.
		g.stats.Flaps++
		slog.Warn("gate: frame delivered in ENDING state, forcing reset",
			"t0", f.T0,
			"flaps", g.stats.Flaps,
		)
		g.Reset()
		g.preRoll.push(f)
	}
	return nil
}

// wake transitions IDLE → LISTENING and fires the wake callback.
func (g *Gate) wake() {
	g.state = StateListening
	g.stats.WakeUps++
	if g.onWake == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gate: wake callback panicked", "panic", r)
		}
	}()
	g.onWake()
}

// addSpeech appends a speech frame to the active buffer. Buffered tail
// silence is re-absorbed first: a silence gap followed by renewed speech is
// part of the utterance, not a stop condition.
func (g *Gate) addSpeech(f Frame) {
	if len(g.tail) > 0 {
		g.active = append(g.active, g.tail...)
		g.tail = g.tail[:0]
	}
	g.active = append(g.active, f)
	g.lastSpeechEnd = f.End()
	g.spoke = true
	g.silence = 0
}

// addSilence appends a non-speech frame to the tail buffer and advances the
// continuous-silence counter. The tail is capped at the stop window: excess
// frames spill into the active buffer so that short gaps inside an utterance
// survive into the emitted segment, while the final stop-qualifying silence
// stays excluded.
func (g *Gate) addSilence(f Frame) {
	g.tail = append(g.tail, f)
	g.silence += g.frameDur

	if move := len(g.tail) - g.maxTail; move > 0 {
		g.active = append(g.active, g.tail[:move]...)
		g.tail = append(g.tail[:0], g.tail[move:]...)
	}
}

// finalize closes the open utterance: it builds the segment from pre-roll
// plus active audio up to the last speech end, emits it, and resets to IDLE.
func (g *Gate) finalize() {
	g.state = StateEnding
	g.stats.Segments++

	pre := g.preRoll.frames()

	t0 := g.clock
	switch {
	case len(pre) > 0:
		t0 = pre[0].T0
	case len(g.active) > 0:
		t0 = g.active[0].T0
	}
	t1 := g.clock
	if g.spoke {
		t1 = g.lastSpeechEnd
	}

	size := 0
	for _, f := range pre {
		size += len(f.Data)
	}
	for _, f := range g.active {
		if f.End() <= t1 {
			size += len(f.Data)
		}
	}

	pcm := make([]byte, 0, size)
	for _, f := range pre {
		pcm = append(pcm, f.Data...)
	}
	// Frames past the last speech end are the stop-qualifying silence; the
	// stop rule consumed them but they stay out of the emitted audio.
	for _, f := range g.active {
		if f.End() <= t1 {
			pcm = append(pcm, f.Data...)
		}
	}

	g.emit(Segment{PCM: pcm, T0: t0, T1: t1, SampleRate: g.sampleRate})
	g.Reset()
}

// emit fires the segment callback with panic isolation.
func (g *Gate) emit(seg Segment) {
	if g.onSegment == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gate: segment callback panicked",
				"panic", r,
				"t0", seg.T0,
				"t1", seg.T1,
			)
		}
	}()
	g.onSegment(seg)
}
