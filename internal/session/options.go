package session

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/google/uuid"
)

// DefaultSweepInterval is how often the registry looks for idle sessions.
const DefaultSweepInterval = 60 * time.Second

type options struct {
	now           func() time.Time
	logger        *slog.Logger
	metrics       *observe.Metrics
	engine        vad.Engine
	detectorName  string
	breaker       resilience.CircuitBreakerConfig
	sweepInterval time.Duration
	newID         func() string
}

func buildOptions(opts []Option) *options {
	o := &options{
		now:           time.Now,
		logger:        slog.Default(),
		detectorName:  "webrtc",
		sweepInterval: DefaultSweepInterval,
		newID:         uuid.NewString,
		breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  3,
		},
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Option configures a [Registry] or a standalone [Session].
type Option func(*options)

// WithClock overrides the wall clock used for activity tracking, expiry and
// frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the base logger. Sessions add a session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEngine sets the secondary detector engine and the name it is reported
// under. A nil engine leaves every session with the level detector only.
func WithEngine(name string, e vad.Engine) Option {
	return func(o *options) {
		o.engine = e
		if name != "" {
			o.detectorName = name
		}
	}
}

// WithBreaker tunes the circuit breaker guarding each secondary detector.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithSweepInterval sets how often [Registry.Start] sweeps idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithIDGenerator replaces the UUID generator used for anonymous sessions.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
