// Package mock provides test doubles for the vad package interfaces.
//
// Classifier replays a per-frame schedule of speech decisions and records
// every frame submitted for classification, so tests can script exact
// speech/silence patterns without real audio content.
//
// Example:
//
//	c := &mock.Classifier{Schedule: []bool{false, false, true, true}}
//	speech, _ := c.IsSpeech(frame, 16000) // false, false, true, true, true, ...
package mock

import (
	"sync"

	"github.com/compass-agent/compass/pkg/provider/vad"
)

// IsSpeechCall records a single invocation of Classifier.IsSpeech.
type IsSpeechCall struct {
	// Frame is a copy of the bytes passed to IsSpeech.
	Frame []byte

	// SampleRate is the sample rate passed to IsSpeech.
	SampleRate int
}

// Classifier is a mock implementation of [vad.Classifier] and [vad.ModeSetter].
// Decisions are taken from Schedule in call order; once the schedule is
// exhausted the last entry repeats. An empty schedule always returns false.
type Classifier struct {
	mu sync.Mutex

	// Schedule is the per-frame decision sequence.
	Schedule []bool

	// Err, if non-nil, is returned by every IsSpeech call.
	Err error

	// SetModeErr, if non-nil, is returned by SetMode.
	SetModeErr error

	// --- Call records ---

	// IsSpeechCalls records every call to IsSpeech in order.
	IsSpeechCalls []IsSpeechCall

	// Modes records every aggressiveness value passed to SetMode.
	Modes []int

	next int
}

// Compile-time interface checks.
var (
	_ vad.Classifier = (*Classifier)(nil)
	_ vad.ModeSetter = (*Classifier)(nil)
)

// IsSpeech records the call and returns the next scheduled decision.
func (c *Classifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.IsSpeechCalls = append(c.IsSpeechCalls, IsSpeechCall{Frame: cp, SampleRate: sampleRate})

	if c.Err != nil {
		return false, c.Err
	}
	if len(c.Schedule) == 0 {
		return false, nil
	}
	i := c.next
	if i > len(c.Schedule)-1 {
		i = len(c.Schedule) - 1
	}
	c.next++
	return c.Schedule[i], nil
}

// SetMode records the aggressiveness and returns SetModeErr.
func (c *Classifier) SetMode(aggressiveness int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Modes = append(c.Modes, aggressiveness)
	return c.SetModeErr
}

// ResetCalls clears all recorded call history and rewinds the schedule.
// Thread-safe.
func (c *Classifier) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IsSpeechCalls = nil
	c.Modes = nil
	c.next = 0
}
