// Package session binds the adaptive level detector, the secondary frame
// classifier and the ensemble decision to one caller, and manages the
// lifecycle of many such sessions.
//
// A [Session] turns arbitrary-length PCM chunks into chunk-level speech
// transitions. A [Registry] creates sessions lazily, routes audio to them, and
// expires idle ones with a background sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/analysis"
	"github.com/MrWong99/voxgate/internal/ensemble"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"go.opentelemetry.io/otel/metric"
)

// Session is the VAD state of one logical caller. All methods are safe for
// concurrent use; calls are serialised per session.
type Session struct {
	id        string
	createdAt time.Time
	opts      *options
	logger    *slog.Logger

	// Read by the sweep without taking mu.
	lastActivity atomic.Int64
	timeout      atomic.Int64

	mu          sync.Mutex
	cfg         Config
	estimator   *analysis.Estimator
	detector    *resilience.GuardedDetector
	combiner    ensemble.Combiner
	segmenter   *audio.Segmenter
	history     *frameRing
	nextFrameAt time.Time

	speaking     bool
	speechStart  time.Time
	speechEnd    time.Time
	totalFrames  int64
	speechFrames int64
	closed       bool
}

// New creates a standalone session with the given configuration.
func New(id string, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newSession(id, cfg, buildOptions(opts))
}

func newSession(id string, cfg Config, o *options) (*Session, error) {
	logger := o.logger.With("session_id", id)

	est, err := analysis.New(cfg.Config, analysis.WithClock(o.now), analysis.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	comb, err := ensemble.New(cfg.EnsemblePolicy, cfg.RMSWeight, cfg.WebRTCWeight)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	seg, err := audio.NewSegmenter(cfg.FrameBytes(), cfg.CarryRemainder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	now := o.now()
	s := &Session{
		id:        id,
		createdAt: now,
		opts:      o,
		logger:    logger,
		cfg:       cfg,
		estimator: est,
		combiner:  comb,
		segmenter: seg,
		history:   newFrameRing(cfg.MaxFrameHistory),
	}
	s.lastActivity.Store(now.UnixNano())
	s.timeout.Store(int64(cfg.SessionTimeout()))
	s.detector = s.openDetector()

	if cfg.Debug {
		logger.Debug("session created", "frame_bytes", cfg.FrameBytes(), "webrtc", s.detector != nil)
	}
	return s, nil
}

// openDetector builds the guarded secondary detector for the current config.
// It returns nil when the detector is disabled or cannot be created. Must be
// called with mu held or before the session is shared.
func (s *Session) openDetector() *resilience.GuardedDetector {
	if !s.cfg.UseWebRTC {
		return nil
	}
	if s.opts.engine == nil {
		s.logger.Debug("secondary detector requested but no engine configured")
		return nil
	}
	d, err := s.opts.engine.NewDetector(s.cfg.DetectorConfig())
	if err != nil {
		s.logger.Warn("secondary detector unavailable, using level detector only", "err", err)
		s.opts.metrics.RecordDetectorError(context.Background(), s.opts.detectorName, "init")
		return nil
	}

	bc := s.opts.breaker
	bc.Name = s.opts.detectorName
	bc.Now = s.opts.now
	bc.Logger = s.logger
	metrics := s.opts.metrics
	bc.OnStateChange = func(name string, _, to resilience.State) {
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	return resilience.NewGuardedDetector(d, bc)
}

func (s *Session) closeDetector() {
	if s.detector == nil {
		return
	}
	if err := s.detector.Close(); err != nil {
		s.logger.Warn("close secondary detector", "err", err)
	}
	s.detector = nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last processed chunk or control call.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.opts.now().UnixNano())
}

// IsExpired reports whether the session has been idle longer than its
// timeout at now. It never blocks on the session lock.
func (s *Session) IsExpired(now time.Time) bool {
	idle := now.UnixNano() - s.lastActivity.Load()
	return idle > s.timeout.Load()
}

// ProcessChunk analyses one chunk of 16-bit little-endian mono PCM and returns
// the chunk-level outcome. A chunk shorter than one frame yields a vad_update
// with the current speaking state.
func (s *Session) ProcessChunk(ctx context.Context, pcm []byte) Result {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	if s.closed {
		return errorResult(s.id, now, fmt.Errorf("%w: %s is closed", ErrSessionNotFound, s.id))
	}

	frames := s.segmenter.Split(pcm)

	// Frames of one chunk are laid out on the audio timeline so that a burst
	// of buffered audio does not collapse onto a single instant.
	ts := now
	if s.nextFrameAt.After(ts) {
		ts = s.nextFrameAt
	}
	speech := 0
	for _, f := range frames {
		if s.analyseFrame(ctx, f, ts) {
			speech++
		}
		ts = ts.Add(s.cfg.FrameDuration())
	}
	if len(frames) > 0 {
		s.nextFrameAt = ts
	}

	res := Result{
		Event:        EventVADUpdate,
		SessionID:    s.id,
		Timestamp:    now,
		Frames:       len(frames),
		SpeechFrames: speech,
	}

	if len(frames) > 0 {
		ratio := float64(speech) / float64(len(frames))
		isSpeech := ratio > 0.5
		switch {
		case isSpeech && !s.speaking:
			s.speaking = true
			s.speechStart = now
			res.Event = EventSpeechStart
			res.Confidence = ratio
			s.opts.metrics.RecordSpeechEvent(ctx, string(EventSpeechStart))
			s.logger.Debug("speech started", "confidence", ratio)
		case !isSpeech && s.speaking:
			s.speaking = false
			s.speechEnd = now
			res.Event = EventSpeechEnd
			res.Duration = s.speechEnd.Sub(s.speechStart)
			s.opts.metrics.RecordSpeechEvent(ctx, string(EventSpeechEnd))
			s.logger.Debug("speech ended", "duration", res.Duration)
		}
	}
	res.IsSpeaking = s.speaking

	s.opts.metrics.RecordFrames(ctx, speech, len(frames)-speech)
	s.opts.metrics.ChunkDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("event", string(res.Event))))

	s.touch()
	return res
}

// analyseFrame runs one frame through both detectors and the combiner,
// records it, and returns the ensemble verdict. Must be called with mu held.
func (s *Session) analyseFrame(ctx context.Context, pcm []byte, ts time.Time) bool {
	level := audio.Level(pcm)

	// The noise profile keeps learning while the level detector is out of
	// the ensemble.
	rms := s.estimator.AddSample(level, ts).IsSpeech && s.cfg.UseRMS

	var web, webOK bool
	if s.detector != nil {
		if len(pcm) != s.cfg.FrameBytes() {
			s.opts.metrics.RecordDetectorError(ctx, s.opts.detectorName, "frame_size")
		} else {
			v, err := s.detector.IsSpeech(pcm)
			switch {
			case err == nil:
				web, webOK = v, true
			case errors.Is(err, resilience.ErrCircuitOpen):
				s.opts.metrics.RecordDetectorError(ctx, s.opts.detectorName, "circuit_open")
			default:
				s.logger.Debug("secondary detector failed", "err", err)
				s.opts.metrics.RecordDetectorError(ctx, s.opts.detectorName, "error")
			}
		}
	}

	verdict := s.combiner.Combine(ensemble.Verdicts{
		Primary:          rms,
		Secondary:        web,
		PrimaryEnabled:   s.cfg.UseRMS,
		SecondaryEnabled: webOK,
	})

	s.history.push(AudioFrame{
		PCM:             pcm,
		Level:           level,
		Timestamp:       ts,
		SpeechRMS:       rms,
		SpeechWebRTC:    web,
		WebRTCAvailable: webOK,
		Speech:          verdict,
	})
	s.totalFrames++
	if verdict {
		s.speechFrames++
	}
	return verdict
}

// NoiseProfile returns a snapshot of the learned noise model.
func (s *Session) NoiseProfile() analysis.NoiseProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimator.NoiseProfile()
}

// ForceRecalibration restarts noise-floor calibration. The window opens at
// the later of now and the end of the audio already received, so audio sent
// faster than real time cannot close it early.
func (s *Session) ForceRecalibration() {
	s.mu.Lock()
	at := s.opts.now()
	if s.nextFrameAt.After(at) {
		at = s.nextFrameAt
	}
	s.estimator.StartCalibrationAt(at)
	s.mu.Unlock()
	s.touch()
}

// IsSpeaking returns the chunk-level speaking state.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Config returns the active configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Frames returns the retained frame history, oldest first.
func (s *Session) Frames() []AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// AddListener subscribes fn to events of the session's level detector.
//
// Listeners run synchronously while the session lock is held. A listener must
// not call methods of the same Session; doing so deadlocks.
func (s *Session) AddListener(kind analysis.EventKind, fn analysis.Listener) analysis.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimator.AddListener(kind, fn)
}

// UpdateConfig merges p into the configuration and returns the result. The
// noise profile is kept. The secondary detector is rebuilt when its enable
// flag, mode or frame format changes. An invalid patch changes nothing.
func (s *Session) UpdateConfig(p ConfigPatch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	next := prev.Apply(p)
	if err := next.Validate(); err != nil {
		return prev, err
	}

	comb := s.combiner
	if next.EnsemblePolicy != prev.EnsemblePolicy ||
		next.RMSWeight != prev.RMSWeight ||
		next.WebRTCWeight != prev.WebRTCWeight {
		c, err := ensemble.New(next.EnsemblePolicy, next.RMSWeight, next.WebRTCWeight)
		if err != nil {
			return prev, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		comb = c
	}

	seg := s.segmenter
	if next.FrameBytes() != prev.FrameBytes() || next.CarryRemainder != prev.CarryRemainder {
		ns, err := audio.NewSegmenter(next.FrameBytes(), next.CarryRemainder)
		if err != nil {
			return prev, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		seg = ns
	}

	if ep := p.EstimatorPatch(); !ep.IsEmpty() {
		if err := s.estimator.UpdateConfig(ep); err != nil {
			return prev, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	s.cfg = next
	s.combiner = comb
	s.segmenter = seg
	if next.MaxFrameHistory != prev.MaxFrameHistory {
		s.history = s.history.resize(next.MaxFrameHistory)
	}
	if next.UseWebRTC != prev.UseWebRTC ||
		next.Aggressiveness != prev.Aggressiveness ||
		next.SampleRate != prev.SampleRate ||
		next.FrameDurationMs != prev.FrameDurationMs {
		s.closeDetector()
		s.detector = s.openDetector()
	}
	s.timeout.Store(int64(next.SessionTimeout()))
	s.touch()

	s.logger.Debug("session config updated", "webrtc", s.detector != nil, "policy", s.combiner.Name())
	return s.cfg, nil
}

// WebRTCState describes the secondary detector inside [DebugState].
type WebRTCState struct {
	Enabled        bool   `json:"enabled"`
	Available      bool   `json:"available"`
	Aggressiveness *int   `json:"aggressiveness"`
	Breaker        string `json:"breaker,omitempty"`
}

// EnsembleState describes the combiner inside [DebugState].
type EnsembleState struct {
	Policy       string  `json:"policy"`
	RMSWeight    float64 `json:"rms_weight"`
	WebRTCWeight float64 `json:"webrtc_weight"`
}

// DebugState is a full snapshot of a session. Times are Unix milliseconds,
// zero when unset.
type DebugState struct {
	SessionID       string               `json:"session_id"`
	CreatedAt       int64                `json:"created_at"`
	LastActivity    int64                `json:"last_activity"`
	IsSpeaking      bool                 `json:"is_speaking"`
	SpeechStartTime int64                `json:"speech_start_time"`
	SpeechEndTime   int64                `json:"speech_end_time"`
	TotalFrames     int64                `json:"total_frames"`
	SpeechFrames    int64                `json:"speech_frames"`
	SpeechRatio     float64              `json:"speech_ratio"`
	FrameHistory    int                  `json:"frame_history"`
	PendingBytes    int                  `json:"pending_bytes"`
	RMSVAD          *analysis.DebugState `json:"rms_vad,omitempty"`
	WebRTCVAD       WebRTCState          `json:"webrtc_vad"`
	Ensemble        EnsembleState        `json:"ensemble"`
	Config          Config               `json:"config"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// DebugState returns a snapshot of the session state. The level detector
// section is only present when debug is enabled in the session config.
func (s *Session) DebugState() DebugState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := DebugState{
		SessionID:       s.id,
		CreatedAt:       unixMilli(s.createdAt),
		LastActivity:    unixMilli(s.LastActivity()),
		IsSpeaking:      s.speaking,
		SpeechStartTime: unixMilli(s.speechStart),
		SpeechEndTime:   unixMilli(s.speechEnd),
		TotalFrames:     s.totalFrames,
		SpeechFrames:    s.speechFrames,
		SpeechRatio:     float64(s.speechFrames) / float64(max(1, s.totalFrames)),
		FrameHistory:    s.history.len(),
		PendingBytes:    s.segmenter.Pending(),
		RMSVAD:          s.estimator.DebugState(),
		WebRTCVAD: WebRTCState{
			Enabled:   s.cfg.UseWebRTC,
			Available: s.detector != nil && s.detector.Available(),
		},
		Ensemble: EnsembleState{
			Policy:       s.combiner.Name(),
			RMSWeight:    s.cfg.RMSWeight,
			WebRTCWeight: s.cfg.WebRTCWeight,
		},
		Config: s.cfg,
	}
	if s.cfg.UseWebRTC {
		a := s.cfg.Aggressiveness
		ds.WebRTCVAD.Aggressiveness = &a
	}
	if s.detector != nil {
		ds.WebRTCVAD.Breaker = s.detector.BreakerState().String()
	}
	return ds
}

// Close releases the secondary detector. Later chunks yield an error result.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.detector != nil {
		err = s.detector.Close()
		s.detector = nil
	}
	return err
}
