// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to script speech verdicts and inspect the frames that were
// submitted for classification.
//
// Example:
//
//	det := &mock.Detector{Result: true}
//	eng := &mock.Engine{Detector: det}
//	d, _ := eng.NewDetector(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// NewDetectorCall records a single invocation of Engine.NewDetector.
type NewDetectorCall struct {
	// Cfg is the Config passed to NewDetector.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, NewDetector returns a new
	// default Detector.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every call to NewDetector in order.
	NewDetectorCalls []NewDetectorCall
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, NewDetectorCall{Cfg: cfg})
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Calls returns a copy of the recorded NewDetector calls. Thread-safe.
func (e *Engine) Calls() []NewDetectorCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewDetectorCall, len(e.NewDetectorCalls))
	copy(out, e.NewDetectorCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Result is returned by every IsSpeech call unless Func is set.
	Result bool

	// Func, if non-nil, decides the verdict for each frame.
	Func func(frame []byte) (bool, error)

	// Err, if non-nil, is returned by every IsSpeech call unless Func is set.
	Err error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// IsSpeech records the frame and returns the scripted verdict.
func (d *Detector) IsSpeech(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.Frames = append(d.Frames, cp)
	if d.Func != nil {
		return d.Func(frame)
	}
	return d.Result, d.Err
}

// Close records the call and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// FrameCount returns how many frames were classified. Thread-safe.
func (d *Detector) FrameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}

// Closed returns how many times Close was called. Thread-safe.
func (d *Detector) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCallCount
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
