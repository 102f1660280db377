package analysis

import (
	"errors"
	"fmt"
	"time"
)

// Bounds for the adaptive sensitivity factor.
const (
	MinSensitivityFactor = 1.2
	MaxSensitivityFactor = 2.0
)

// Config tunes an [Estimator]. Durations are expressed in milliseconds so the
// struct maps one to one onto the wire and YAML representations.
type Config struct {
	// InitialSensitivityFactor seeds the multiplier applied to the standard
	// deviation. Range: [1.2, 2.0].
	InitialSensitivityFactor float64 `yaml:"initial_sensitivity_factor" json:"initial_sensitivity_factor"`

	// CalibrationDurationMs is the warm-up window used to learn the noise floor.
	CalibrationDurationMs int `yaml:"calibration_duration_ms" json:"calibration_duration_ms"`

	// RecalibrationIntervalMs is the minimum time between two calibrations.
	RecalibrationIntervalMs int `yaml:"recalibration_interval_ms" json:"recalibration_interval_ms"`

	// SilenceDurationForRecalMs is how long the stream must be silent before a
	// silent recalibration is allowed.
	SilenceDurationForRecalMs int `yaml:"silence_duration_for_recal_ms" json:"silence_duration_for_recal_ms"`

	// MaxSampleHistory bounds the rolling level history kept while active.
	MaxSampleHistory int `yaml:"max_sample_history" json:"max_sample_history"`

	// SmoothingFactor is the EMA weight given to a new quiet sample when
	// tracking the noise floor. Range: (0, 1).
	SmoothingFactor float64 `yaml:"smoothing_factor" json:"smoothing_factor"`

	// ConsecutiveFramesThreshold is the number of consecutive frames needed to
	// confirm a speech or silence transition.
	ConsecutiveFramesThreshold int `yaml:"consecutive_frames_threshold" json:"consecutive_frames_threshold"`

	// Debug enables [Estimator.DebugState] and verbose logging.
	Debug bool `yaml:"debug" json:"debug"`
}

// DefaultConfig returns the stock estimator configuration.
func DefaultConfig() Config {
	return Config{
		InitialSensitivityFactor:   1.5,
		CalibrationDurationMs:      2000,
		RecalibrationIntervalMs:    5000,
		SilenceDurationForRecalMs:  2000,
		MaxSampleHistory:           50,
		SmoothingFactor:            0.1,
		ConsecutiveFramesThreshold: 2,
	}
}

// CalibrationDuration returns CalibrationDurationMs as a [time.Duration].
func (c Config) CalibrationDuration() time.Duration {
	return time.Duration(c.CalibrationDurationMs) * time.Millisecond
}

// RecalibrationInterval returns RecalibrationIntervalMs as a [time.Duration].
func (c Config) RecalibrationInterval() time.Duration {
	return time.Duration(c.RecalibrationIntervalMs) * time.Millisecond
}

// SilenceDurationForRecal returns SilenceDurationForRecalMs as a [time.Duration].
func (c Config) SilenceDurationForRecal() time.Duration {
	return time.Duration(c.SilenceDurationForRecalMs) * time.Millisecond
}

// Validate checks every field against its allowed range and returns a joined
// error listing all violations.
func (c Config) Validate() error {
	var errs []error
	if c.InitialSensitivityFactor < MinSensitivityFactor || c.InitialSensitivityFactor > MaxSensitivityFactor {
		errs = append(errs, fmt.Errorf("initial_sensitivity_factor %.2f is out of range [%.1f, %.1f]",
			c.InitialSensitivityFactor, MinSensitivityFactor, MaxSensitivityFactor))
	}
	if c.CalibrationDurationMs < 0 {
		errs = append(errs, fmt.Errorf("calibration_duration_ms must be >= 0, got %d", c.CalibrationDurationMs))
	}
	if c.RecalibrationIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("recalibration_interval_ms must be >= 0, got %d", c.RecalibrationIntervalMs))
	}
	if c.SilenceDurationForRecalMs < 0 {
		errs = append(errs, fmt.Errorf("silence_duration_for_recal_ms must be >= 0, got %d", c.SilenceDurationForRecalMs))
	}
	if c.MaxSampleHistory < 1 {
		errs = append(errs, fmt.Errorf("max_sample_history must be >= 1, got %d", c.MaxSampleHistory))
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor >= 1 {
		errs = append(errs, fmt.Errorf("smoothing_factor %.3f is out of range (0, 1)", c.SmoothingFactor))
	}
	if c.ConsecutiveFramesThreshold < 1 {
		errs = append(errs, fmt.Errorf("consecutive_frames_threshold must be >= 1, got %d", c.ConsecutiveFramesThreshold))
	}
	return errors.Join(errs...)
}

// ConfigPatch is a partial [Config]. Nil fields are left untouched by
// [Config.Apply].
type ConfigPatch struct {
	InitialSensitivityFactor   *float64 `json:"initial_sensitivity_factor,omitempty" yaml:"initial_sensitivity_factor,omitempty"`
	CalibrationDurationMs      *int     `json:"calibration_duration_ms,omitempty" yaml:"calibration_duration_ms,omitempty"`
	RecalibrationIntervalMs    *int     `json:"recalibration_interval_ms,omitempty" yaml:"recalibration_interval_ms,omitempty"`
	SilenceDurationForRecalMs  *int     `json:"silence_duration_for_recal_ms,omitempty" yaml:"silence_duration_for_recal_ms,omitempty"`
	MaxSampleHistory           *int     `json:"max_sample_history,omitempty" yaml:"max_sample_history,omitempty"`
	SmoothingFactor            *float64 `json:"smoothing_factor,omitempty" yaml:"smoothing_factor,omitempty"`
	ConsecutiveFramesThreshold *int     `json:"consecutive_frames_threshold,omitempty" yaml:"consecutive_frames_threshold,omitempty"`
	Debug                      *bool    `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// IsEmpty reports whether p sets no field.
func (p ConfigPatch) IsEmpty() bool {
	return p == ConfigPatch{}
}

// Apply returns a copy of c with every non-nil field of p written over it.
func (c Config) Apply(p ConfigPatch) Config {
	if p.InitialSensitivityFactor != nil {
		c.InitialSensitivityFactor = *p.InitialSensitivityFactor
	}
	if p.CalibrationDurationMs != nil {
		c.CalibrationDurationMs = *p.CalibrationDurationMs
	}
	if p.RecalibrationIntervalMs != nil {
		c.RecalibrationIntervalMs = *p.RecalibrationIntervalMs
	}
	if p.SilenceDurationForRecalMs != nil {
		c.SilenceDurationForRecalMs = *p.SilenceDurationForRecalMs
	}
	if p.MaxSampleHistory != nil {
		c.MaxSampleHistory = *p.MaxSampleHistory
	}
	if p.SmoothingFactor != nil {
		c.SmoothingFactor = *p.SmoothingFactor
	}
	if p.ConsecutiveFramesThreshold != nil {
		c.ConsecutiveFramesThreshold = *p.ConsecutiveFramesThreshold
	}
	if p.Debug != nil {
		c.Debug = *p.Debug
	}
	return c
}

// Merge returns p with every non-nil field of o written over it.
func (p ConfigPatch) Merge(o ConfigPatch) ConfigPatch {
	if o.InitialSensitivityFactor != nil {
		p.InitialSensitivityFactor = o.InitialSensitivityFactor
	}
	if o.CalibrationDurationMs != nil {
		p.CalibrationDurationMs = o.CalibrationDurationMs
	}
	if o.RecalibrationIntervalMs != nil {
		p.RecalibrationIntervalMs = o.RecalibrationIntervalMs
	}
	if o.SilenceDurationForRecalMs != nil {
		p.SilenceDurationForRecalMs = o.SilenceDurationForRecalMs
	}
	if o.MaxSampleHistory != nil {
		p.MaxSampleHistory = o.MaxSampleHistory
	}
	if o.SmoothingFactor != nil {
		p.SmoothingFactor = o.SmoothingFactor
	}
	if o.ConsecutiveFramesThreshold != nil {
		p.ConsecutiveFramesThreshold = o.ConsecutiveFramesThreshold
	}
	if o.Debug != nil {
		p.Debug = o.Debug
	}
	return p
}
