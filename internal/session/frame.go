package session

import "time"

// AudioFrame is the analysis record of one fixed-size frame. Frames are never
// modified after they are stored.
type AudioFrame struct {
	PCM             []byte
	Level           float64
	Timestamp       time.Time
	SpeechRMS       bool
	SpeechWebRTC    bool
	WebRTCAvailable bool
	Speech          bool
}

// frameRing is a fixed-capacity history that evicts the oldest frame first.
type frameRing struct {
	buf   []AudioFrame
	start int
	n     int
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{buf: make([]AudioFrame, capacity)}
}

func (r *frameRing) push(f AudioFrame) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = f
		r.n++
		return
	}
	r.buf[r.start] = f
	r.start = (r.start + 1) % len(r.buf)
}

func (r *frameRing) len() int { return r.n }

// snapshot returns the stored frames oldest first.
func (r *frameRing) snapshot() []AudioFrame {
	out := make([]AudioFrame, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// resize returns a ring of the given capacity holding the newest frames of r.
func (r *frameRing) resize(capacity int) *frameRing {
	nr := newFrameRing(capacity)
	for _, f := range r.snapshot() {
		nr.push(f)
	}
	return nr
}
