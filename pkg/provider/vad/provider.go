// Package vad defines the Engine interface for frame-level speech detectors.
//
// A VAD engine wraps an independent speech classifier (e.g., WebRTC VAD) and
// surfaces it as a per-stream [Detector]. Detectors classify one fixed-size
// PCM frame at a time and carry no state the caller needs to manage; they are
// used as the secondary opinion next to the adaptive level threshold.
//
// Implementations must be safe for concurrent use across different detectors.
// A single Detector should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when a frame or [Config] does not match a
// sample rate or frame duration the detector can process.
var ErrUnsupportedFormat = errors.New("vad: unsupported audio format")

// MaxAggressiveness is the most aggressive detector mode. Higher modes flag
// fewer frames as speech.
const MaxAggressiveness = 3

// Config holds the parameters for a detector.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must be one of 8000, 16000,
	// 32000 or 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds: 10, 20
	// or 30. IsSpeech returns an error if the supplied frame does not match.
	FrameSizeMs int

	// Aggressiveness tunes the bias against flagging speech. Range: [0, 3].
	Aggressiveness int
}

// FrameBytes returns the exact frame length in bytes the detector expects.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether c describes a format the detectors support.
func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, c.SampleRate)
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("%w: frame duration %dms", ErrUnsupportedFormat, c.FrameSizeMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > MaxAggressiveness {
		return fmt.Errorf("vad: aggressiveness %d out of range [0, %d]", c.Aggressiveness, MaxAggressiveness)
	}
	return nil
}

// Detector classifies single audio frames. It is an interface so that test
// code can supply mock implementations without a live engine.
type Detector interface {
	// IsSpeech reports whether frame contains speech. The frame must be raw
	// little-endian 16-bit mono PCM with exactly [Config.FrameBytes] bytes.
	// Returns [ErrUnsupportedFormat] when the frame length is wrong.
	//
	// IsSpeech is called synchronously in the audio path; it must not block.
	IsSpeech(frame []byte) (bool, error)

	// Close releases all resources associated with the detector. After Close,
	// IsSpeech must return an error. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for detectors. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewDetector simultaneously to create independent detectors.
type Engine interface {
	// NewDetector creates a detector with the given configuration.
	//
	// Returns an error if the configuration is invalid or the engine cannot
	// allocate resources for the detector.
	NewDetector(cfg Config) (Detector, error)
}
