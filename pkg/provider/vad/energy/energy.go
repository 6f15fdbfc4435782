// Package energy provides a pure-Go RMS-energy speech classifier.
//
// It computes the root-mean-square level of each frame (normalised to
// [0.0, 1.0]) and compares it against a threshold derived from the configured
// aggressiveness. It has no model weights and no cgo dependency, which makes
// it the default classifier for environments where a real VAD backend is not
// available. Expect more false positives than a model-based detector in noisy
// rooms; raise the aggressiveness to compensate.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/compass-agent/compass/pkg/provider/vad"
)

// thresholds maps aggressiveness 0–3 to the minimum normalised RMS level at
// which a frame counts as speech. Values tuned against 16 kHz speech
// recordings at conversational volume.
var thresholds = [4]float64{0.005, 0.010, 0.020, 0.040}

// Classifier is an RMS-energy based implementation of [vad.Classifier].
// It is stateless per frame; the zero value is not usable, construct with [New].
type Classifier struct {
	threshold float64
}

// Compile-time interface checks.
var (
	_ vad.Classifier = (*Classifier)(nil)
	_ vad.ModeSetter = (*Classifier)(nil)
)

// New returns a Classifier at the default aggressiveness (2).
func New() *Classifier {
	return &Classifier{threshold: thresholds[2]}
}

// SetMode implements [vad.ModeSetter]. Aggressiveness must be in [0, 3].
func (c *Classifier) SetMode(aggressiveness int) error {
	if aggressiveness < 0 || aggressiveness > len(thresholds)-1 {
		return fmt.Errorf("energy: aggressiveness %d out of range [0, %d]", aggressiveness, len(thresholds)-1)
	}
	c.threshold = thresholds[aggressiveness]
	return nil
}

// IsSpeech implements [vad.Classifier]. The frame must hold little-endian
// 16-bit mono samples; an odd byte count is a classification error.
func (c *Classifier) IsSpeech(frame []byte, _ int) (bool, error) {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return false, fmt.Errorf("energy: frame length %d is not a whole number of int16 samples", len(frame))
	}
	return rms(frame) >= c.threshold, nil
}

// rms returns the root-mean-square level of little-endian int16 PCM,
// normalised so that a full-scale square wave yields 1.0.
func rms(pcm []byte) float64 {
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
