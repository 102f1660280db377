package analysis

import "time"

// EventKind enumerates the notifications an [Estimator] emits.
type EventKind string

const (
	// EventCalibrationStart fires whenever a calibration window opens.
	EventCalibrationStart EventKind = "calibration-start"

	// EventCalibrationComplete fires when the noise profile has been seeded.
	// The event carries a [NoiseProfile] snapshot.
	EventCalibrationComplete EventKind = "calibration-complete"

	// EventSpeechStart fires once speech is confirmed by hysteresis.
	EventSpeechStart EventKind = "speech-start"

	// EventSpeechEnd fires once silence is confirmed after speech.
	EventSpeechEnd EventKind = "speech-end"

	// EventThresholdChanged fires when the noise floor or deviation moves.
	EventThresholdChanged EventKind = "threshold-changed"
)

// IsValid reports whether k is one of the known event kinds.
func (k EventKind) IsValid() bool {
	switch k {
	case EventCalibrationStart, EventCalibrationComplete, EventSpeechStart, EventSpeechEnd, EventThresholdChanged:
		return true
	}
	return false
}

// Event is delivered to listeners. Which payload fields are set depends on
// Kind:
//
//   - calibration-start: Time only.
//   - calibration-complete: Profile.
//   - speech-start, speech-end: Result and Profile.
//   - threshold-changed: Threshold and NoiseFloor.
type Event struct {
	Kind EventKind
	Time time.Time

	Profile *NoiseProfile
	Result  *Result

	Threshold  float64
	NoiseFloor float64
}

// Listener receives estimator events. Listeners run synchronously on the
// goroutine that fed the sample and must not block.
type Listener func(Event)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}
