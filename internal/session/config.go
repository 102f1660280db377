package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/internal/analysis"
	"github.com/MrWong99/voxgate/internal/ensemble"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// DefaultMaxFrameHistory is the number of analysed frames a session keeps.
const DefaultMaxFrameHistory = 100

// Config is the per-session configuration. The embedded estimator settings are
// flattened into the same JSON and YAML object.
type Config struct {
	analysis.Config `yaml:",inline"`

	SampleRate      int `yaml:"sample_rate" json:"sample_rate"`
	FrameDurationMs int `yaml:"frame_duration_ms" json:"frame_duration_ms"`

	// Aggressiveness is the secondary detector mode, 0 (least) to 3.
	Aggressiveness int `yaml:"aggressiveness" json:"aggressiveness"`

	UseRMS       bool    `yaml:"use_rms_vad" json:"use_rms_vad"`
	UseWebRTC    bool    `yaml:"use_webrtc_vad" json:"use_webrtc_vad"`
	RMSWeight    float64 `yaml:"rms_weight" json:"rms_weight"`
	WebRTCWeight float64 `yaml:"webrtc_weight" json:"webrtc_weight"`

	// EnsemblePolicy selects the combiner: weighted, any or all.
	EnsemblePolicy string `yaml:"ensemble_policy" json:"ensemble_policy"`

	// SessionTimeoutMs is the idle time after which the sweep drops a session.
	SessionTimeoutMs int `yaml:"session_timeout_ms" json:"session_timeout_ms"`

	// CarryRemainder keeps a trailing partial frame for the next chunk instead
	// of dropping it.
	CarryRemainder bool `yaml:"carry_remainder" json:"carry_remainder"`

	MaxFrameHistory int `yaml:"max_frame_history" json:"max_frame_history"`
}

// DefaultConfig returns the stock session configuration.
func DefaultConfig() Config {
	return Config{
		Config:           analysis.DefaultConfig(),
		SampleRate:       16000,
		FrameDurationMs:  30,
		Aggressiveness:   2,
		UseRMS:           true,
		UseWebRTC:        true,
		RMSWeight:        ensemble.DefaultPrimaryWeight,
		WebRTCWeight:     ensemble.DefaultSecondaryWeight,
		EnsemblePolicy:   ensemble.PolicyWeighted,
		SessionTimeoutMs: 300_000,
		MaxFrameHistory:  DefaultMaxFrameHistory,
	}
}

// FrameBytes returns the size of one analysis frame in bytes.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, c.FrameDurationMs)
}

// FrameDuration returns FrameDurationMs as a [time.Duration].
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// SessionTimeout returns SessionTimeoutMs as a [time.Duration].
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// DetectorConfig returns the secondary detector parameters for c.
func (c Config) DetectorConfig() vad.Config {
	return vad.Config{
		SampleRate:     c.SampleRate,
		FrameSizeMs:    c.FrameDurationMs,
		Aggressiveness: c.Aggressiveness,
	}
}

// Validate checks every field. The returned error wraps [ErrInvalidConfig]
// and joins all violations.
func (c Config) Validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !audio.IsSupportedSampleRate(c.SampleRate) {
		errs = append(errs, fmt.Errorf("sample_rate %d is not one of %v", c.SampleRate, audio.SupportedSampleRates))
	}
	if !audio.IsSupportedFrameDuration(c.FrameDurationMs) {
		errs = append(errs, fmt.Errorf("frame_duration_ms %d is not one of %v", c.FrameDurationMs, audio.SupportedFrameDurations))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > vad.MaxAggressiveness {
		errs = append(errs, fmt.Errorf("aggressiveness %d is out of range [0, %d]", c.Aggressiveness, vad.MaxAggressiveness))
	}
	if !c.UseRMS && !c.UseWebRTC {
		errs = append(errs, errors.New("use_rms_vad and use_webrtc_vad cannot both be false"))
	}
	if c.RMSWeight < 0 || c.WebRTCWeight < 0 {
		errs = append(errs, fmt.Errorf("weights must be >= 0, got rms=%.2f webrtc=%.2f", c.RMSWeight, c.WebRTCWeight))
	}
	if !ensemble.IsValidPolicy(c.EnsemblePolicy) {
		errs = append(errs, fmt.Errorf("ensemble_policy %q is not one of %v", c.EnsemblePolicy, ensemble.Policies()))
	}
	if c.SessionTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("session_timeout_ms must be > 0, got %d", c.SessionTimeoutMs))
	}
	if c.MaxFrameHistory < 1 {
		errs = append(errs, fmt.Errorf("max_frame_history must be >= 1, got %d", c.MaxFrameHistory))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ConfigPatch is a partial [Config]. Estimator keys may be given at the top
// level or nested under rms_vad_config; the nested object is applied last.
type ConfigPatch struct {
	analysis.ConfigPatch `yaml:",inline"`

	SampleRate       *int     `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	FrameDurationMs  *int     `json:"frame_duration_ms,omitempty" yaml:"frame_duration_ms,omitempty"`
	Aggressiveness   *int     `json:"aggressiveness,omitempty" yaml:"aggressiveness,omitempty"`
	UseRMS           *bool    `json:"use_rms_vad,omitempty" yaml:"use_rms_vad,omitempty"`
	UseWebRTC        *bool    `json:"use_webrtc_vad,omitempty" yaml:"use_webrtc_vad,omitempty"`
	RMSWeight        *float64 `json:"rms_weight,omitempty" yaml:"rms_weight,omitempty"`
	WebRTCWeight     *float64 `json:"webrtc_weight,omitempty" yaml:"webrtc_weight,omitempty"`
	EnsemblePolicy   *string  `json:"ensemble_policy,omitempty" yaml:"ensemble_policy,omitempty"`
	SessionTimeoutMs *int     `json:"session_timeout_ms,omitempty" yaml:"session_timeout_ms,omitempty"`
	CarryRemainder   *bool    `json:"carry_remainder,omitempty" yaml:"carry_remainder,omitempty"`
	MaxFrameHistory  *int     `json:"max_frame_history,omitempty" yaml:"max_frame_history,omitempty"`

	RMSVAD *analysis.ConfigPatch `json:"rms_vad_config,omitempty" yaml:"rms_vad_config,omitempty"`
}

// EstimatorPatch returns the combined estimator changes carried by p.
func (p ConfigPatch) EstimatorPatch() analysis.ConfigPatch {
	ep := p.ConfigPatch
	if p.RMSVAD != nil {
		ep = ep.Merge(*p.RMSVAD)
	}
	return ep
}

// Apply returns a copy of c with every non-nil field of p written over it.
func (c Config) Apply(p ConfigPatch) Config {
	c.Config = c.Config.Apply(p.EstimatorPatch())
	if p.SampleRate != nil {
		c.SampleRate = *p.SampleRate
	}
	if p.FrameDurationMs != nil {
		c.FrameDurationMs = *p.FrameDurationMs
	}
	if p.Aggressiveness != nil {
		c.Aggressiveness = *p.Aggressiveness
	}
	if p.UseRMS != nil {
		c.UseRMS = *p.UseRMS
	}
	if p.UseWebRTC != nil {
		c.UseWebRTC = *p.UseWebRTC
	}
	if p.RMSWeight != nil {
		c.RMSWeight = *p.RMSWeight
	}
	if p.WebRTCWeight != nil {
		c.WebRTCWeight = *p.WebRTCWeight
	}
	if p.EnsemblePolicy != nil {
		c.EnsemblePolicy = *p.EnsemblePolicy
	}
	if p.SessionTimeoutMs != nil {
		c.SessionTimeoutMs = *p.SessionTimeoutMs
	}
	if p.CarryRemainder != nil {
		c.CarryRemainder = *p.CarryRemainder
	}
	if p.MaxFrameHistory != nil {
		c.MaxFrameHistory = *p.MaxFrameHistory
	}
	return c
}

// IsEmpty reports whether p sets no field.
func (p ConfigPatch) IsEmpty() bool {
	return p == ConfigPatch{}
}
