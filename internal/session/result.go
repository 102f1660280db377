package session

import (
	"encoding/json"
	"time"
)

// EventType names the outcome of processing one chunk.
type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventSpeechEnd   EventType = "speech_end"
	EventVADUpdate   EventType = "vad_update"
	EventError       EventType = "error"
)

// Result is the chunk-level outcome returned to the transport. Which fields
// are meaningful depends on Event:
//
//   - speech_start: Confidence (the share of speech frames in the chunk).
//   - speech_end: Duration of the utterance that just ended.
//   - vad_update: IsSpeaking.
//   - error: Message and Err.
type Result struct {
	Event      EventType
	SessionID  string
	Timestamp  time.Time
	Confidence float64
	Duration   time.Duration
	IsSpeaking bool

	// Frames and SpeechFrames count the frames analysed in this chunk.
	Frames       int
	SpeechFrames int

	Message string
	Err     error
}

func errorResult(sessionID string, ts time.Time, err error) Result {
	return Result{
		Event:     EventError,
		SessionID: sessionID,
		Timestamp: ts,
		Message:   err.Error(),
		Err:       err,
	}
}

// MarshalJSON encodes the wire form of r. Timestamps and durations are
// integer milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	ts := r.Timestamp.UnixMilli()
	switch r.Event {
	case EventSpeechStart:
		return json.Marshal(struct {
			Event      EventType `json:"event"`
			Timestamp  int64     `json:"timestamp"`
			Confidence float64   `json:"confidence"`
			SessionID  string    `json:"session_id"`
		}{r.Event, ts, r.Confidence, r.SessionID})
	case EventSpeechEnd:
		return json.Marshal(struct {
			Event      EventType `json:"event"`
			Timestamp  int64     `json:"timestamp"`
			DurationMs int64     `json:"duration_ms"`
			SessionID  string    `json:"session_id"`
		}{r.Event, ts, r.Duration.Milliseconds(), r.SessionID})
	case EventError:
		return json.Marshal(struct {
			Event     EventType `json:"event"`
			Message   string    `json:"message"`
			SessionID string    `json:"session_id,omitempty"`
		}{r.Event, r.Message, r.SessionID})
	default:
		return json.Marshal(struct {
			Event      EventType `json:"event"`
			Timestamp  int64     `json:"timestamp"`
			IsSpeaking bool      `json:"is_speaking"`
			SessionID  string    `json:"session_id"`
		}{EventVADUpdate, ts, r.IsSpeaking, r.SessionID})
	}
}
