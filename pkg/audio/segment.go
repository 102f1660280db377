package audio

import "fmt"

// FrameBytes returns the byte length of one mono 16-bit frame of frameMs
// milliseconds at sampleRate.
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * BytesPerSample
}

// Segmenter slices PCM chunks into fixed-size frames.
//
// By default a trailing partial frame is discarded. With Carry set, the
// leftover bytes are kept and prepended to the next chunk passed to Split, so
// no audio is lost at chunk boundaries.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	frameSize int
	carry     bool
	pending   []byte
}

// NewSegmenter returns a Segmenter producing frames of frameSize bytes.
func NewSegmenter(frameSize int, carry bool) (*Segmenter, error) {
	if frameSize <= 0 || frameSize%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: invalid frame size %d", frameSize)
	}
	return &Segmenter{frameSize: frameSize, carry: carry}, nil
}

// FrameSize returns the configured frame length in bytes.
func (s *Segmenter) FrameSize() int { return s.frameSize }

// Pending returns the number of carried bytes waiting for the next chunk.
// It is always zero when carrying is disabled.
func (s *Segmenter) Pending() int { return len(s.pending) }

// Reset discards any carried bytes.
func (s *Segmenter) Reset() { s.pending = nil }

// Split returns the complete frames contained in chunk. The returned frames
// are copies and may be retained by the caller.
func (s *Segmenter) Split(chunk []byte) [][]byte {
	data := chunk
	if s.carry && len(s.pending) > 0 {
		data = make([]byte, 0, len(s.pending)+len(chunk))
		data = append(data, s.pending...)
		data = append(data, chunk...)
		s.pending = nil
	}

	frames, rest := SplitFrames(data, s.frameSize)
	if s.carry && len(rest) > 0 {
		s.pending = append([]byte(nil), rest...)
	}
	return frames
}

// SplitFrames cuts data into consecutive non-overlapping frames of frameSize
// bytes and returns them together with the trailing bytes that did not fill a
// whole frame.
func SplitFrames(data []byte, frameSize int) (frames [][]byte, rest []byte) {
	if frameSize <= 0 {
		return nil, data
	}
	n := len(data) / frameSize
	frames = make([][]byte, 0, n)
	for i := range n {
		f := make([]byte, frameSize)
		copy(f, data[i*frameSize:(i+1)*frameSize])
		frames = append(frames, f)
	}
	return frames, data[n*frameSize:]
}
