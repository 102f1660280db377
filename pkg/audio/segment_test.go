package audio_test

import (
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		rate, ms, want int
	}{
		{16000, 30, 960},
		{16000, 10, 320},
		{8000, 20, 320},
		{48000, 30, 2880},
	}
	for _, tc := range tests {
		if got := audio.FrameBytes(tc.rate, tc.ms); got != tc.want {
			t.Errorf("FrameBytes(%d, %d) = %d, want %d", tc.rate, tc.ms, got, tc.want)
		}
	}
}

func TestNewSegmenter_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -2, 3} {
		if _, err := audio.NewSegmenter(size, false); err == nil {
			t.Errorf("NewSegmenter(%d) should fail", size)
		}
	}
}

func TestSegmenter_DropsTrailingPartialFrame(t *testing.T) {
	seg, err := audio.NewSegmenter(4, false)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	frames := seg.Split([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[1][0] != 5 {
		t.Errorf("second frame starts with %d, want 5", frames[1][0])
	}
	if seg.Pending() != 0 {
		t.Errorf("Pending = %d, want 0 when carry is disabled", seg.Pending())
	}

	// The dropped bytes must not leak into the next chunk.
	frames = seg.Split([]byte{11, 12, 13, 14})
	if len(frames) != 1 || frames[0][0] != 11 {
		t.Errorf("next chunk frames = %v, want [[11 12 13 14]]", frames)
	}
}

func TestSegmenter_CarriesRemainder(t *testing.T) {
	seg, err := audio.NewSegmenter(4, true)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	frames := seg.Split([]byte{1, 2, 3, 4, 5, 6})
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if seg.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", seg.Pending())
	}

	frames = seg.Split([]byte{7, 8, 9})
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	want := []byte{5, 6, 7, 8}
	for i := range want {
		if frames[0][i] != want[i] {
			t.Errorf("byte %d = %d, want %d", i, frames[0][i], want[i])
		}
	}
	if seg.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", seg.Pending())
	}

	seg.Reset()
	if seg.Pending() != 0 {
		t.Errorf("Pending after Reset = %d, want 0", seg.Pending())
	}
}

func TestSplitFrames_CopiesInput(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	frames, rest := audio.SplitFrames(data, 2)
	if len(frames) != 2 || len(rest) != 0 {
		t.Fatalf("frames=%d rest=%d, want 2 and 0", len(frames), len(rest))
	}
	data[0] = 99
	if frames[0][0] != 1 {
		t.Error("frame aliases the input buffer")
	}
}
