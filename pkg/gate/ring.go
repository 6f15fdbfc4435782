package gate

// frameRing is a fixed-capacity ring of frames. Pushing onto a full ring
// evicts the oldest frame, which bounds pre-roll memory during indefinite
// silence.
type frameRing struct {
	buf  []Frame
	head int // index of the oldest frame
	n    int // number of stored frames
}

func newFrameRing(capacity int) frameRing {
	return frameRing{buf: make([]Frame, capacity)}
}

// push appends f, evicting the oldest frame when full.
func (r *frameRing) push(f Frame) {
	if r.n == len(r.buf) {
		r.buf[r.head] = f
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.n)%len(r.buf)] = f
	r.n++
}

// len returns the number of stored frames.
func (r *frameRing) len() int { return r.n }

// frames returns the stored frames oldest-first in a fresh slice.
func (r *frameRing) frames() []Frame {
	out := make([]Frame, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// clear drops all frames and releases their data for collection.
func (r *frameRing) clear() {
	clear(r.buf)
	r.head = 0
	r.n = 0
}
