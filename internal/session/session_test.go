package session

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/analysis"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad/mock"
)

func TestSession_SilenceYieldsUpdates(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	res := feed(t, s, clk, quietChunk)
	if res.Event != EventVADUpdate {
		t.Fatalf("Event = %q, want vad_update", res.Event)
	}
	if res.IsSpeaking {
		t.Fatal("IsSpeaking = true on silence")
	}
	if res.Frames != 10 {
		t.Fatalf("Frames = %d, want 10", res.Frames)
	}
	if res.SessionID != "test-session" {
		t.Fatalf("SessionID = %q", res.SessionID)
	}
}

func TestSession_SpeechStartAndEnd(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())
	calibrateSession(t, s, clk)

	startAt := clk.Now()
	res := feed(t, s, clk, loudChunk)
	if res.Event != EventSpeechStart {
		t.Fatalf("Event = %q, want speech_start", res.Event)
	}
	// First loud frame is held back by hysteresis.
	if math.Abs(res.Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}
	if !res.Timestamp.Equal(startAt) {
		t.Errorf("Timestamp = %v, want %v", res.Timestamp, startAt)
	}

	res = feed(t, s, clk, loudChunk)
	if res.Event != EventVADUpdate || !res.IsSpeaking {
		t.Fatalf("second loud chunk = %+v, want vad_update speaking", res)
	}

	res = feed(t, s, clk, quietChunk)
	if res.Event != EventSpeechEnd {
		t.Fatalf("Event = %q, want speech_end", res.Event)
	}
	if res.Duration != 2*chunkStep {
		t.Errorf("Duration = %v, want %v", res.Duration, 2*chunkStep)
	}
	if s.IsSpeaking() {
		t.Error("IsSpeaking = true after speech_end")
	}

	ds := s.DebugState()
	if ds.SpeechStartTime != startAt.UnixMilli() {
		t.Errorf("SpeechStartTime = %d, want %d", ds.SpeechStartTime, startAt.UnixMilli())
	}
	if ds.SpeechEndTime == 0 {
		t.Error("SpeechEndTime not recorded")
	}
}

func TestSession_ShortChunkYieldsUpdate(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	for _, chunk := range [][]byte{nil, make([]byte, 500)} {
		res := feed(t, s, clk, chunk)
		if res.Event != EventVADUpdate {
			t.Fatalf("Event = %q, want vad_update", res.Event)
		}
		if res.Frames != 0 {
			t.Fatalf("Frames = %d, want 0", res.Frames)
		}
	}
}

func TestSession_PartialFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		carry       bool
		wantFrames  int64
		wantPending int
	}{
		{"dropped by default", false, 1, 0},
		{"carried when enabled", true, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newTestClock()
			cfg := primaryOnly()
			cfg.CarryRemainder = tt.carry
			s := newTestSession(t, clk, cfg)

			feed(t, s, clk, make([]byte, 960+480))
			feed(t, s, clk, make([]byte, 480))

			ds := s.DebugState()
			if ds.TotalFrames != tt.wantFrames {
				t.Errorf("TotalFrames = %d, want %d", ds.TotalFrames, tt.wantFrames)
			}
			if ds.PendingBytes != tt.wantPending {
				t.Errorf("PendingBytes = %d, want %d", ds.PendingBytes, tt.wantPending)
			}
		})
	}
}

func TestSession_EnsembleUsesSecondary(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	det := &mock.Detector{Result: true}
	eng := &mock.Engine{Detector: det}
	s := newTestSession(t, clk, DefaultConfig(), WithEngine("mock", eng))

	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("NewDetector calls = %d, want 1", len(calls))
	}
	if got := calls[0].Cfg; got.SampleRate != 16000 || got.FrameSizeMs != 30 || got.Aggressiveness != 2 {
		t.Fatalf("detector config = %+v", got)
	}

	// Calibrating level detector says silence; the 0.7 secondary weight wins.
	res := feed(t, s, clk, quietChunk)
	if res.Event != EventSpeechStart {
		t.Fatalf("Event = %q, want speech_start", res.Event)
	}
	if det.FrameCount() != 10 {
		t.Fatalf("secondary saw %d frames, want 10", det.FrameCount())
	}
	for i, f := range s.Frames() {
		if !f.WebRTCAvailable || !f.SpeechWebRTC || f.SpeechRMS || !f.Speech {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
}

func TestSession_SecondaryFailureFallsBackToPrimary(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	det := &mock.Detector{Err: errors.New("classifier exploded")}
	s := newTestSession(t, clk, DefaultConfig(),
		WithEngine("mock", &mock.Engine{Detector: det}),
		WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour}),
	)
	calibrateSession(t, s, clk)

	// Primary alone at weight 0.3 would never pass 0.5 in a weighted vote.
	res := feed(t, s, clk, loudChunk)
	if res.Event != EventSpeechStart {
		t.Fatalf("Event = %q, want speech_start from primary fallback", res.Event)
	}

	ds := s.DebugState()
	if ds.WebRTCVAD.Available {
		t.Error("secondary reported available with open breaker")
	}
	if ds.WebRTCVAD.Breaker != resilience.StateOpen.String() {
		t.Errorf("Breaker = %q, want open", ds.WebRTCVAD.Breaker)
	}
	if det.FrameCount() != 3 {
		t.Errorf("secondary called %d times, want 3 before the breaker opened", det.FrameCount())
	}
}

func TestSession_MissingEngineUsesPrimary(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, DefaultConfig())
	calibrateSession(t, s, clk)

	if res := feed(t, s, clk, loudChunk); res.Event != EventSpeechStart {
		t.Fatalf("Event = %q, want speech_start", res.Event)
	}
	if s.DebugState().WebRTCVAD.Available {
		t.Fatal("secondary available without engine")
	}
}

func TestSession_UpdateConfigRebuildsDetector(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	det := &mock.Detector{}
	eng := &mock.Engine{Detector: det}
	s := newTestSession(t, clk, DefaultConfig(), WithEngine("mock", eng))

	aggr := 3
	cfg, err := s.UpdateConfig(ConfigPatch{Aggressiveness: &aggr})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.Aggressiveness != 3 {
		t.Fatalf("Aggressiveness = %d, want 3", cfg.Aggressiveness)
	}
	calls := eng.Calls()
	if len(calls) != 2 || calls[1].Cfg.Aggressiveness != 3 {
		t.Fatalf("NewDetector calls = %+v, want a second call with aggressiveness 3", calls)
	}
	if det.Closed() != 1 {
		t.Fatalf("old detector closed %d times, want 1", det.Closed())
	}

	off := false
	if _, err := s.UpdateConfig(ConfigPatch{UseWebRTC: &off}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	ds := s.DebugState()
	if ds.WebRTCVAD.Enabled || ds.WebRTCVAD.Available || ds.WebRTCVAD.Aggressiveness != nil {
		t.Fatalf("WebRTCVAD = %+v, want disabled", ds.WebRTCVAD)
	}
	if len(eng.Calls()) != 2 {
		t.Fatalf("detector rebuilt while disabled")
	}

	// Unrelated changes keep the detector.
	w := 0.5
	if _, err := s.UpdateConfig(ConfigPatch{RMSWeight: &w}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if len(eng.Calls()) != 2 {
		t.Fatalf("detector rebuilt on weight change")
	}
}

func TestSession_UpdateConfigKeepsCalibration(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())
	calibrateSession(t, s, clk)
	before := s.NoiseProfile()

	n := 5
	if _, err := s.UpdateConfig(ConfigPatch{ConfigPatch: analysis.ConfigPatch{ConsecutiveFramesThreshold: &n}}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	after := s.NoiseProfile()
	if !after.CalibrationComplete || after.NoiseFloor != before.NoiseFloor {
		t.Fatalf("profile changed: before %+v after %+v", before, after)
	}
	if got := s.DebugState().Config.ConsecutiveFramesThreshold; got != 5 {
		t.Fatalf("ConsecutiveFramesThreshold = %d, want 5", got)
	}
}

func TestSession_UpdateConfigNestedEstimatorWins(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	on := true
	s := newTestSession(t, clk, primaryOnly())

	top, nested := 3, 4
	p := ConfigPatch{
		ConfigPatch: analysis.ConfigPatch{ConsecutiveFramesThreshold: &top},
		RMSVAD:      &analysis.ConfigPatch{ConsecutiveFramesThreshold: &nested, Debug: &on},
	}
	cfg, err := s.UpdateConfig(p)
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.ConsecutiveFramesThreshold != 4 {
		t.Fatalf("ConsecutiveFramesThreshold = %d, want 4", cfg.ConsecutiveFramesThreshold)
	}
	ds := s.DebugState()
	if ds.RMSVAD == nil {
		t.Fatal("RMSVAD debug section missing after enabling debug")
	}
	if ds.RMSVAD.Config.ConsecutiveFramesThreshold != 4 {
		t.Fatalf("estimator threshold = %d, want 4", ds.RMSVAD.Config.ConsecutiveFramesThreshold)
	}
}

func TestSession_UpdateConfigRejectsInvalid(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	rate := 44100
	_, err := s.UpdateConfig(ConfigPatch{SampleRate: &rate})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if got := s.Config().SampleRate; got != 16000 {
		t.Fatalf("SampleRate = %d, want unchanged 16000", got)
	}
}

func TestSession_UpdateConfigChangesFrameSize(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	ms := 10
	if _, err := s.UpdateConfig(ConfigPatch{FrameDurationMs: &ms}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	res := feed(t, s, clk, make([]byte, 960))
	if res.Frames != 3 {
		t.Fatalf("Frames = %d, want 3 frames of 10ms", res.Frames)
	}
}

func TestSession_FrameHistoryBounded(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	cfg := primaryOnly()
	cfg.MaxFrameHistory = 15
	s := newTestSession(t, clk, cfg)

	feed(t, s, clk, quietChunk)
	feed(t, s, clk, loudChunk)

	frames := s.Frames()
	if len(frames) != 15 {
		t.Fatalf("history length = %d, want 15", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if !frames[i].Timestamp.After(frames[i-1].Timestamp) {
			t.Fatalf("frames out of order at %d", i)
		}
	}
	if frames[len(frames)-1].Level < 0.2 {
		t.Fatalf("newest frame level = %v, want loud frame", frames[len(frames)-1].Level)
	}
}

func TestSession_ExpiryTracksActivity(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	cfg := primaryOnly()
	cfg.SessionTimeoutMs = 1000
	s := newTestSession(t, clk, cfg)

	if s.IsExpired(clk.Now().Add(time.Second)) {
		t.Fatal("expired at exactly the timeout")
	}
	if !s.IsExpired(clk.Now().Add(time.Second + time.Millisecond)) {
		t.Fatal("not expired past the timeout")
	}

	clk.Advance(900 * time.Millisecond)
	s.ProcessChunk(t.Context(), quietChunk)
	if s.IsExpired(clk.Now().Add(500 * time.Millisecond)) {
		t.Fatal("activity did not extend the session")
	}
}

func TestSession_ClosedRejectsAudio(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	det := &mock.Detector{}
	s := newTestSession(t, clk, DefaultConfig(), WithEngine("mock", &mock.Engine{Detector: det}))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()
	if det.Closed() != 1 {
		t.Fatalf("detector closed %d times, want 1", det.Closed())
	}
	res := s.ProcessChunk(t.Context(), quietChunk)
	if res.Event != EventError {
		t.Fatalf("Event = %q, want error", res.Event)
	}
}

func TestSession_ListenerSeesCalibration(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	var got []analysis.EventKind
	s.AddListener(analysis.EventCalibrationComplete, func(ev analysis.Event) { got = append(got, ev.Kind) })
	calibrateSession(t, s, clk)

	if len(got) != 1 {
		t.Fatalf("calibration-complete events = %d, want 1", len(got))
	}
}

func TestSession_RecalibrationFollowsAudioTimeline(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	s := newTestSession(t, clk, primaryOnly())

	// 5.1 s of audio delivered in one burst while the clock stands still.
	for range 17 {
		s.ProcessChunk(t.Context(), quietChunk)
	}
	s.ForceRecalibration()

	p := s.NoiseProfile()
	if want := clk.Now().Add(17 * chunkStep); !p.LastCalibration.Equal(want) {
		t.Fatalf("calibration window opened at %v, want end of received audio %v", p.LastCalibration, want)
	}

	// The 2000 ms window needs seven more 300 ms chunks of audio.
	for i := range 6 {
		s.ProcessChunk(t.Context(), quietChunk)
		if s.NoiseProfile().CalibrationComplete {
			t.Fatalf("calibration complete after %d chunks", i+1)
		}
	}
	s.ProcessChunk(t.Context(), quietChunk)

	p = s.NoiseProfile()
	if !p.CalibrationComplete {
		t.Fatal("calibration did not complete after 2100 ms of audio")
	}
	if p.StdDev >= analysis.DefaultStdDev/2 {
		t.Errorf("std_dev = %v, want a learned value below the %v fallback", p.StdDev, analysis.DefaultStdDev)
	}
}

func TestSession_LevelDetectorOffKeepsLearning(t *testing.T) {
	t.Parallel()
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.UseRMS = false
	s := newTestSession(t, clk, cfg, WithEngine("mock", &mock.Engine{Detector: &mock.Detector{}}))

	for range 10 {
		feed(t, s, clk, quietChunk)
	}
	p := s.NoiseProfile()
	if !p.CalibrationComplete || len(p.Samples) < 5 {
		t.Fatalf("profile = %+v, want calibration from the fed audio", p)
	}
	if p.StdDev >= analysis.DefaultStdDev/2 {
		t.Errorf("std_dev = %v, want a learned value below the %v fallback", p.StdDev, analysis.DefaultStdDev)
	}
	for i, f := range s.Frames() {
		if f.SpeechRMS {
			t.Fatalf("frame %d reports a level verdict while the level detector is off", i)
		}
	}

	on := true
	if _, err := s.UpdateConfig(ConfigPatch{UseRMS: &on}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	feed(t, s, clk, quietChunk)
	if got := s.NoiseProfile(); !got.CalibrationComplete || got.StdDev >= analysis.DefaultStdDev/2 {
		t.Errorf("profile after re-enabling = %+v, want the learned one kept", got)
	}
}

func TestFrameRing(t *testing.T) {
	t.Parallel()
	r := newFrameRing(3)
	for i := range 5 {
		r.push(AudioFrame{Level: float64(i)})
	}
	got := r.snapshot()
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Level != want[i] {
			t.Fatalf("snapshot[%d] = %v, want %v", i, got[i].Level, want[i])
		}
	}

	small := r.resize(2)
	if s := small.snapshot(); len(s) != 2 || s[0].Level != 3 || s[1].Level != 4 {
		t.Fatalf("resize kept %+v, want levels 3,4", s)
	}
}
