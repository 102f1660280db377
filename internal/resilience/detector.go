package resilience

import (
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// GuardedDetector is a [vad.Detector] whose IsSpeech calls pass through a
// [CircuitBreaker]. While the breaker is open IsSpeech returns
// [ErrCircuitOpen] without touching the wrapped detector.
type GuardedDetector struct {
	inner   vad.Detector
	breaker *CircuitBreaker

	closeOnce sync.Once
	closeErr  error
}

var _ vad.Detector = (*GuardedDetector)(nil)

// NewGuardedDetector wraps d with a breaker built from cfg.
func NewGuardedDetector(d vad.Detector, cfg CircuitBreakerConfig) *GuardedDetector {
	return &GuardedDetector{inner: d, breaker: NewCircuitBreaker(cfg)}
}

// IsSpeech implements [vad.Detector].
func (g *GuardedDetector) IsSpeech(frame []byte) (bool, error) {
	var speech bool
	err := g.breaker.Execute(func() error {
		var err error
		speech, err = g.inner.IsSpeech(frame)
		return err
	})
	if err != nil {
		return false, err
	}
	return speech, nil
}

// Available reports whether the breaker currently lets calls through.
func (g *GuardedDetector) Available() bool {
	return g.breaker.State() != StateOpen
}

// BreakerState returns the state of the guarding breaker.
func (g *GuardedDetector) BreakerState() State {
	return g.breaker.State()
}

// Close closes the wrapped detector once.
func (g *GuardedDetector) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.inner.Close()
	})
	return g.closeErr
}
