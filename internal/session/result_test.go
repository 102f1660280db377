package session

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestResult_MarshalJSON(t *testing.T) {
	t.Parallel()
	ts := time.UnixMilli(1_717_000_000_000)

	tests := []struct {
		name string
		res  Result
		want map[string]any
	}{
		{
			name: "speech start",
			res:  Result{Event: EventSpeechStart, SessionID: "s", Timestamp: ts, Confidence: 0.75},
			want: map[string]any{"event": "speech_start", "timestamp": 1717000000000.0, "confidence": 0.75, "session_id": "s"},
		},
		{
			name: "speech end",
			res:  Result{Event: EventSpeechEnd, SessionID: "s", Timestamp: ts, Duration: 1500 * time.Millisecond},
			want: map[string]any{"event": "speech_end", "timestamp": 1717000000000.0, "duration_ms": 1500.0, "session_id": "s"},
		},
		{
			name: "update",
			res:  Result{Event: EventVADUpdate, SessionID: "s", Timestamp: ts, IsSpeaking: true},
			want: map[string]any{"event": "vad_update", "timestamp": 1717000000000.0, "is_speaking": true, "session_id": "s"},
		},
		{
			name: "error",
			res:  errorResult("", ts, errors.New("boom")),
			want: map[string]any{"event": "error", "message": "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := json.Marshal(tt.res)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(b, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
