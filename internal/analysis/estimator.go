// Package analysis implements the adaptive level threshold used as the primary
// speech detector.
//
// An [Estimator] learns the ambient noise floor of one audio stream during a
// calibration window, then classifies each frame level against
// noise_floor + std_dev * sensitivity_factor. While active it keeps tracking
// the floor with an exponential moving average of quiet frames, periodically
// recalibrates from sustained silence, adapts the sensitivity factor to the
// stability of the signal, and applies hysteresis before reporting speech
// transitions.
package analysis

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Fallback profile used when calibration collects too few samples.
const (
	DefaultNoiseFloor = 0.02
	DefaultStdDev     = 0.01
)

const (
	minCalibrationSamples = 5
	recalibrationWindow   = 20
	stabilityWindow       = 10
	sensitivityStep       = 0.05
	unstableVariation     = 0.5
	stableVariation       = 0.2
	quietFloorMultiplier  = 1.5
)

// NoiseProfile is a read-only snapshot of the learned noise model.
type NoiseProfile struct {
	NoiseFloor          float64   `json:"noise_floor"`
	StdDev              float64   `json:"std_dev"`
	SensitivityFactor   float64   `json:"sensitivity_factor"`
	Samples             []float64 `json:"samples"`
	LastCalibration     time.Time `json:"last_calibration_time"`
	CalibrationComplete bool      `json:"calibration_complete"`
}

// Threshold returns the speech threshold implied by the profile.
func (p NoiseProfile) Threshold() float64 {
	return p.NoiseFloor + p.StdDev*p.SensitivityFactor
}

// Result is the outcome of feeding one level sample.
type Result struct {
	Level     float64   `json:"level"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`

	// IsSpeech is the hysteresis-confirmed speech state after this sample.
	IsSpeech bool `json:"is_speech"`

	// AboveThreshold reports whether this sample alone exceeded the threshold.
	AboveThreshold bool `json:"above_threshold"`

	// Calibrating is true when the sample was consumed by calibration.
	Calibrating bool `json:"calibrating"`
}

// DebugState is the full internal state exposed when Config.Debug is set.
type DebugState struct {
	Config                   Config    `json:"config"`
	Samples                  []float64 `json:"samples"`
	NoiseFloor               float64   `json:"noise_floor"`
	StdDev                   float64   `json:"std_dev"`
	SensitivityFactor        float64   `json:"sensitivity_factor"`
	Threshold                float64   `json:"threshold"`
	IsSpeech                 bool      `json:"is_speech"`
	ConsecutiveSpeechFrames  int       `json:"consecutive_speech_frames"`
	ConsecutiveSilenceFrames int       `json:"consecutive_silence_frames"`
	CalibrationComplete      bool      `json:"calibration_complete"`
	IsCalibrating            bool      `json:"is_calibrating"`
}

// Option configures an [Estimator].
type Option func(*Estimator)

// WithClock overrides the time source used for calibration bookkeeping and
// for samples fed without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger used for debug output and listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.logger = l
		}
	}
}

// Estimator tracks the noise profile of a single audio stream.
//
// An Estimator is not safe for concurrent use; the owning session serialises
// access to it.
type Estimator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	samples           []float64
	noiseFloor        float64
	stdDev            float64
	sensitivityFactor float64
	lastCalibration   time.Time

	calibrating         bool
	calibrationComplete bool

	lastIsSpeech  bool
	speechFrames  int
	silenceFrames int
	silenceSince  time.Time

	listeners map[EventKind][]listenerEntry
	nextID    ListenerID
}

// New validates cfg and returns an Estimator that has already opened its
// first calibration window.
func New(cfg Config, opts ...Option) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		cfg:               cfg,
		now:               time.Now,
		logger:            slog.Default(),
		sensitivityFactor: cfg.InitialSensitivityFactor,
		listeners:         make(map[EventKind][]listenerEntry),
	}
	for _, o := range opts {
		o(e)
	}
	e.StartCalibration()
	return e, nil
}

// StartCalibration discards any calibration progress and opens a new window
// at the current time.
func (e *Estimator) StartCalibration() {
	e.StartCalibrationAt(e.now())
}

// StartCalibrationAt is [Estimator.StartCalibration] with the window opened
// at ts. Callers that stamp samples on an audio timeline pass a time from the
// same timeline.
func (e *Estimator) StartCalibrationAt(ts time.Time) {
	e.calibrating = true
	e.calibrationComplete = false
	e.samples = nil
	e.lastCalibration = ts

	e.emit(Event{Kind: EventCalibrationStart, Time: e.lastCalibration})

	if e.cfg.Debug {
		e.logger.Debug("analysis: starting calibration")
	}
}

// ForceRecalibration is an alias for [Estimator.StartCalibration].
func (e *Estimator) ForceRecalibration() {
	e.StartCalibration()
}

func (e *Estimator) completeCalibration(ts time.Time) {
	if len(e.samples) >= minCalibrationSamples {
		e.noiseFloor = mean(e.samples)
		e.stdDev = stdev(e.samples)
	} else {
		e.noiseFloor = DefaultNoiseFloor
		e.stdDev = DefaultStdDev
	}
	e.calibrating = false
	e.calibrationComplete = true
	e.trimHistory()

	if e.cfg.Debug {
		e.logger.Debug("analysis: calibration complete",
			"noise_floor", e.noiseFloor,
			"std_dev", e.stdDev,
			"threshold", e.CurrentThreshold(),
			"samples", len(e.samples),
		)
	}

	p := e.NoiseProfile()
	e.emit(Event{Kind: EventCalibrationComplete, Time: ts, Profile: &p})
}

// AddSample feeds one frame level in [0, 1]. A zero ts means "now".
//
// During calibration the result never reports speech and carries a zero
// threshold.
func (e *Estimator) AddSample(level float64, ts time.Time) Result {
	if ts.IsZero() {
		ts = e.now()
	}

	if e.calibrating {
		e.samples = append(e.samples, level)
		if ts.Sub(e.lastCalibration) >= e.cfg.CalibrationDuration() {
			e.completeCalibration(ts)
		}
		return Result{Level: level, Timestamp: ts, Calibrating: true}
	}

	e.samples = append(e.samples, level)
	e.trimHistory()

	threshold := e.CurrentThreshold()
	above := level > threshold

	if above {
		e.speechFrames++
		e.silenceFrames = 0
	} else {
		if e.silenceFrames == 0 {
			e.silenceSince = ts
		}
		e.silenceFrames++
		e.speechFrames = 0
	}

	res := Result{Level: level, Threshold: threshold, Timestamp: ts, AboveThreshold: above}

	switch {
	case !e.lastIsSpeech && e.speechFrames >= e.cfg.ConsecutiveFramesThreshold:
		e.lastIsSpeech = true
		res.IsSpeech = true
		e.emitTransition(EventSpeechStart, res)
	case e.lastIsSpeech && !above && e.silenceFrames >= e.cfg.ConsecutiveFramesThreshold:
		e.lastIsSpeech = false
		e.emitTransition(EventSpeechEnd, res)
	}

	if !above && !e.lastIsSpeech &&
		ts.Sub(e.silenceSince) > e.cfg.SilenceDurationForRecal() &&
		ts.Sub(e.lastCalibration) > e.cfg.RecalibrationInterval() {
		e.recalibrateFromRecentSilence(ts)
	}

	if level < e.noiseFloor*quietFloorMultiplier {
		e.trackFloor(level, threshold, ts)
	}

	e.adjustSensitivity()

	res.IsSpeech = e.lastIsSpeech
	return res
}

func (e *Estimator) emitTransition(kind EventKind, res Result) {
	p := e.NoiseProfile()
	r := res
	e.emit(Event{Kind: kind, Time: res.Timestamp, Result: &r, Profile: &p})
}

// trackFloor blends a quiet sample into the floor and refreshes the deviation
// from the recent sub-threshold samples.
func (e *Estimator) trackFloor(level, threshold float64, ts time.Time) {
	a := e.cfg.SmoothingFactor
	e.noiseFloor = a*level + (1-a)*e.noiseFloor

	if len(e.samples) > stabilityWindow {
		var quiet []float64
		for _, s := range tail(e.samples, stabilityWindow) {
			if s < threshold {
				quiet = append(quiet, s)
			}
		}
		if len(quiet) >= minCalibrationSamples {
			e.stdDev = stdev(quiet)
		}
	}

	e.emit(Event{
		Kind:       EventThresholdChanged,
		Time:       ts,
		Threshold:  threshold,
		NoiseFloor: e.noiseFloor,
	})
}

// recalibrateFromRecentSilence re-seeds the profile from the latest samples
// without leaving the active phase.
func (e *Estimator) recalibrateFromRecentSilence(ts time.Time) {
	recent := tail(e.samples, recalibrationWindow)
	if len(recent) < minCalibrationSamples {
		return
	}
	e.noiseFloor = mean(recent)
	e.stdDev = stdev(recent)
	e.lastCalibration = ts

	if e.cfg.Debug {
		e.logger.Debug("analysis: recalibrated from silence",
			"noise_floor", e.noiseFloor,
			"std_dev", e.stdDev,
			"threshold", e.CurrentThreshold(),
		)
	}

	e.emit(Event{
		Kind:       EventThresholdChanged,
		Time:       ts,
		Threshold:  e.CurrentThreshold(),
		NoiseFloor: e.noiseFloor,
	})
}

// adjustSensitivity nudges the sensitivity factor based on the coefficient of
// variation of the last samples.
func (e *Estimator) adjustSensitivity() {
	if len(e.samples) < stabilityWindow {
		return
	}
	recent := tail(e.samples, stabilityWindow)
	m := mean(recent)
	var cv float64
	if m > 0 {
		cv = stdev(recent) / m
	}

	switch {
	case cv > unstableVariation:
		e.sensitivityFactor = min(MaxSensitivityFactor, e.sensitivityFactor+sensitivityStep)
	case cv < stableVariation:
		e.sensitivityFactor = max(MinSensitivityFactor, e.sensitivityFactor-sensitivityStep)
	}
}

func (e *Estimator) trimHistory() {
	if over := len(e.samples) - e.cfg.MaxSampleHistory; over > 0 {
		e.samples = append([]float64(nil), e.samples[over:]...)
	}
}

// CurrentThreshold returns noise_floor + std_dev * sensitivity_factor.
func (e *Estimator) CurrentThreshold() float64 {
	return e.noiseFloor + e.stdDev*e.sensitivityFactor
}

// NoiseProfile returns a copy of the current noise model.
func (e *Estimator) NoiseProfile() NoiseProfile {
	return NoiseProfile{
		NoiseFloor:          e.noiseFloor,
		StdDev:              e.stdDev,
		SensitivityFactor:   e.sensitivityFactor,
		Samples:             append([]float64(nil), e.samples...),
		LastCalibration:     e.lastCalibration,
		CalibrationComplete: e.calibrationComplete,
	}
}

// IsCalibrating reports whether the estimator is collecting calibration
// samples.
func (e *Estimator) IsCalibrating() bool { return e.calibrating }

// IsSpeechDetected returns the confirmed speech state.
func (e *Estimator) IsSpeechDetected() bool { return e.lastIsSpeech }

// IsSpeechLevel reports whether level alone would exceed the current threshold.
func (e *Estimator) IsSpeechLevel(level float64) bool {
	return level > e.CurrentThreshold()
}

// Config returns the active configuration.
func (e *Estimator) Config() Config { return e.cfg }

// UpdateConfig merges p into the configuration. Calibration state is kept.
// An invalid result is rejected and the previous configuration stays active.
func (e *Estimator) UpdateConfig(p ConfigPatch) error {
	next := e.cfg.Apply(p)
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	if !e.calibrating {
		e.trimHistory()
	}
	return nil
}

// DebugState returns the full internal state, or nil unless Config.Debug is
// set.
func (e *Estimator) DebugState() *DebugState {
	if !e.cfg.Debug {
		return nil
	}
	return &DebugState{
		Config:                   e.cfg,
		Samples:                  append([]float64(nil), e.samples...),
		NoiseFloor:               e.noiseFloor,
		StdDev:                   e.stdDev,
		SensitivityFactor:        e.sensitivityFactor,
		Threshold:                e.CurrentThreshold(),
		IsSpeech:                 e.lastIsSpeech,
		ConsecutiveSpeechFrames:  e.speechFrames,
		ConsecutiveSilenceFrames: e.silenceFrames,
		CalibrationComplete:      e.calibrationComplete,
		IsCalibrating:            e.calibrating,
	}
}

// AddListener subscribes fn to events of the given kind and returns an ID for
// [Estimator.RemoveListener]. Listeners are called in registration order.
// Unknown kinds are ignored and yield a zero ID.
func (e *Estimator) AddListener(kind EventKind, fn Listener) ListenerID {
	if !kind.IsValid() || fn == nil {
		return 0
	}
	e.nextID++
	e.listeners[kind] = append(e.listeners[kind], listenerEntry{id: e.nextID, fn: fn})
	return e.nextID
}

// RemoveListener unsubscribes the listener with the given ID. It reports
// whether a listener was removed.
func (e *Estimator) RemoveListener(kind EventKind, id ListenerID) bool {
	ls := e.listeners[kind]
	for i, l := range ls {
		if l.id == id {
			e.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// emit delivers ev to every listener of its kind. A panicking listener is
// logged and does not stop delivery to the rest.
func (e *Estimator) emit(ev Event) {
	ls := e.listeners[ev.Kind]
	if len(ls) == 0 {
		return
	}
	snapshot := append([]listenerEntry(nil), ls...)
	for _, l := range snapshot {
		e.dispatch(l, ev)
	}
}

func (e *Estimator) dispatch(l listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analysis: listener panicked",
				"event", ev.Kind,
				"listener_id", l.id,
				"panic", r,
			)
		}
	}()
	l.fn(ev)
}

// MarshalJSON encodes the profile with the calibration time in Unix
// milliseconds.
func (p NoiseProfile) MarshalJSON() ([]byte, error) {
	type wire struct {
		NoiseFloor          float64   `json:"noise_floor"`
		StdDev              float64   `json:"std_dev"`
		SensitivityFactor   float64   `json:"sensitivity_factor"`
		Threshold           float64   `json:"threshold"`
		Samples             []float64 `json:"samples"`
		LastCalibration     int64     `json:"last_calibration_time"`
		CalibrationComplete bool      `json:"calibration_complete"`
	}
	samples := p.Samples
	if samples == nil {
		samples = []float64{}
	}
	var lc int64
	if !p.LastCalibration.IsZero() {
		lc = p.LastCalibration.UnixMilli()
	}
	return json.Marshal(wire{
		NoiseFloor:          p.NoiseFloor,
		StdDev:              p.StdDev,
		SensitivityFactor:   p.SensitivityFactor,
		Threshold:           p.Threshold(),
		Samples:             samples,
		LastCalibration:     lc,
		CalibrationComplete: p.CalibrationComplete,
	})
}
