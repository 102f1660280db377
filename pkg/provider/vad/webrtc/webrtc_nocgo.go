//go:build !cgo

package webrtc

import (
	"errors"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrUnavailable is returned when the binary was built without cgo.
var ErrUnavailable = errors.New("webrtc vad: not available in builds without cgo")

// Engine is a placeholder that always fails; the WebRTC detector needs cgo.
type Engine struct{}

// New returns an Engine whose NewDetector always returns [ErrUnavailable].
func New() *Engine { return &Engine{} }

// NewDetector always returns [ErrUnavailable].
func (e *Engine) NewDetector(vad.Config) (vad.Detector, error) {
	return nil, ErrUnavailable
}

var _ vad.Engine = (*Engine)(nil)
