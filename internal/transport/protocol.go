package transport

import (
	"encoding/json"

	"github.com/MrWong99/voxgate/internal/analysis"
	"github.com/MrWong99/voxgate/internal/session"
)

// Client message types.
const (
	TypeInitVAD            = "init_vad"
	TypeAudioData          = "audio_data"
	TypeProcessAudio       = "process_audio" // alias of audio_data
	TypeUpdateVADConfig    = "update_vad_config"
	TypeForceRecalibration = "force_recalibration"
	TypeGetDebugState      = "get_debug_state"
)

// Server message types. Audio results are sent under the event they carry.
const (
	TypeConnected            = "connected"
	TypeVADInitialized       = "vad_initialized"
	TypeSpeechStart          = string(session.EventSpeechStart)
	TypeSpeechEnd            = string(session.EventSpeechEnd)
	TypeVADUpdate            = string(session.EventVADUpdate)
	TypeConfigUpdated        = "config_updated"
	TypeRecalibrationStarted = "recalibration_started"
	TypeDebugState           = "debug_state"
	TypeError                = "error"
)

// Request is a message sent by a client. Which fields are used depends on
// Type.
type Request struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Audio is base64-encoded 16-bit little-endian mono PCM.
	Audio string `json:"audio,omitempty"`

	// Config is a partial session configuration.
	Config json.RawMessage `json:"config,omitempty"`
}

// Response is a message sent to a client.
type Response struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ConnectedData greets a new connection.
type ConnectedData struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id"`
}

// InitializedData answers init_vad.
type InitializedData struct {
	SessionID    string                `json:"session_id"`
	NoiseProfile analysis.NoiseProfile `json:"noise_profile"`
	Config       session.Config        `json:"config"`
}

// ConfigUpdatedData answers update_vad_config.
type ConfigUpdatedData struct {
	SessionID string         `json:"session_id"`
	Config    session.Config `json:"config"`
}

// RecalibratedData answers force_recalibration. Timestamp is in Unix
// milliseconds.
type RecalibratedData struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorData describes a failed request.
type ErrorData struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}
