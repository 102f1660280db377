//go:build cgo

// Package webrtc implements [vad.Engine] on top of the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad).
//
// The WebRTC detector is a GMM classifier over spectral sub-band energies. It
// accepts 16-bit mono PCM at 8, 16, 32 or 48 kHz in 10, 20 or 30 ms frames.
// Each detector owns a native instance and must not be shared between
// goroutines.
package webrtc

import (
	"errors"
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// errClosed is returned by IsSpeech after Close.
var errClosed = errors.New("webrtc vad: detector closed")

// Engine creates WebRTC detectors. The zero value is ready to use.
type Engine struct{}

// New returns a WebRTC [vad.Engine].
func New() *Engine { return &Engine{} }

// NewDetector validates cfg and allocates a native WebRTC VAD instance set to
// cfg.Aggressiveness.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	inst, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if err := inst.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", cfg.Aggressiveness, err)
	}
	return &Detector{
		inst:       inst,
		sampleRate: cfg.SampleRate,
		frameBytes: cfg.FrameBytes(),
	}, nil
}

// Detector classifies frames with a single native WebRTC VAD instance.
type Detector struct {
	mu         sync.Mutex
	inst       *webrtcvad.VAD
	sampleRate int
	frameBytes int
	closed     bool
}

// IsSpeech runs the WebRTC classifier on one frame.
func (d *Detector) IsSpeech(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, errClosed
	}
	if len(frame) != d.frameBytes {
		return false, fmt.Errorf("%w: frame is %d bytes, want %d", vad.ErrUnsupportedFormat, len(frame), d.frameBytes)
	}
	active, err := d.inst.Process(d.sampleRate, frame)
	if err != nil {
		return false, fmt.Errorf("webrtc vad: process: %w", err)
	}
	return active, nil
}

// Close drops the native instance. The underlying memory is released by the
// library's finalizer.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.inst = nil
	return nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
