package session

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pcm builds one constant-amplitude frame of frameBytes per amplitude.
func pcm(frameBytes int, amps ...int16) []byte {
	out := make([]byte, 0, frameBytes*len(amps))
	for _, a := range amps {
		for range frameBytes / 2 {
			out = binary.LittleEndian.AppendUint16(out, uint16(a))
		}
	}
	return out
}

func repeat(n int, amps ...int16) []int16 {
	out := make([]int16, 0, n*len(amps))
	for range n {
		out = append(out, amps...)
	}
	return out
}

const chunkStep = 300 * time.Millisecond

// Ten 30 ms frames per chunk at 16 kHz.
var (
	quietChunk = pcm(960, repeat(5, 300, 360)...)
	loudChunk  = pcm(960, repeat(10, 8000)...)
)

func primaryOnly() Config {
	cfg := DefaultConfig()
	cfg.UseWebRTC = false
	return cfg
}

func newTestSession(t *testing.T, clk *testClock, cfg Config, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now), WithLogger(quietLogger())}, opts...)
	s, err := New("test-session", cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// feed processes chunk and advances the clock by one chunk duration.
func feed(t *testing.T, s *Session, clk *testClock, chunk []byte) Result {
	t.Helper()
	res := s.ProcessChunk(t.Context(), chunk)
	clk.Advance(chunkStep)
	return res
}

// calibrateSession feeds quiet chunks until the level detector leaves
// calibration.
func calibrateSession(t *testing.T, s *Session, clk *testClock) {
	t.Helper()
	for range 20 {
		if s.NoiseProfile().CalibrationComplete {
			return
		}
		if res := feed(t, s, clk, quietChunk); res.Event != EventVADUpdate {
			t.Fatalf("calibration chunk produced %q", res.Event)
		}
	}
	t.Fatal("calibration did not complete")
}
