package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxgate/internal/analysis"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/audio"
)

var errInvalidWAV = errors.New("voxreplay: not a valid WAV file")

// clip is decoded audio ready to be fed to a session: 16-bit little-endian
// mono PCM at a sample rate the detectors support.
type clip struct {
	PCM        []byte
	SampleRate int

	// SourceRate and SourceChannels describe the file before conversion.
	SourceRate     int
	SourceChannels int
}

// Duration returns the playback length of c.
func (c clip) Duration() time.Duration {
	samples := len(c.PCM) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// readWAV decodes a PCM WAV file and converts it to mono 16-bit audio at the
// nearest supported sample rate.
func readWAV(r io.ReadSeeker) (clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return clip{}, errInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return clip{}, fmt.Errorf("voxreplay: read PCM: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return clip{}, errInvalidWAV
	}

	pcm, err := toInt16(buf)
	if err != nil {
		return clip{}, err
	}

	c := clip{
		SampleRate:     buf.Format.SampleRate,
		SourceRate:     buf.Format.SampleRate,
		SourceChannels: buf.Format.NumChannels,
	}
	switch buf.Format.NumChannels {
	case 1:
	case 2:
		pcm = audio.StereoToMono(pcm)
	default:
		return clip{}, fmt.Errorf("voxreplay: unsupported channel count %d", buf.Format.NumChannels)
	}

	if !audio.IsSupportedSampleRate(c.SampleRate) {
		c.SampleRate = audio.NearestSupportedRate(c.SampleRate)
		pcm = audio.ResampleMono16(pcm, c.SourceRate, c.SampleRate)
	}
	c.PCM = pcm
	return c, nil
}

// toInt16 scales the decoded samples to 16 bits and packs them little-endian.
func toInt16(buf *goaudio.IntBuffer) ([]byte, error) {
	var scale func(int) int16
	switch buf.SourceBitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		scale = func(v int) int16 { return int16((v - 128) << 8) }
	case 16:
		scale = func(v int) int16 { return int16(v) }
	case 24:
		scale = func(v int) int16 { return int16(v >> 8) }
	case 32:
		scale = func(v int) int16 { return int16(v >> 16) }
	default:
		return nil, fmt.Errorf("voxreplay: unsupported bit depth %d", buf.SourceBitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = scale(v)
	}
	return audio.Int16ToBytes(samples), nil
}

// summary aggregates one replay.
type summary struct {
	Chunks       int                   `json:"chunks"`
	Frames       int                   `json:"frames"`
	SpeechFrames int                   `json:"speech_frames"`
	Utterances   int                   `json:"utterances"`
	SpeechTime   time.Duration         `json:"speech_time_ns"`
	Profile      analysis.NoiseProfile `json:"noise_profile"`
}

// replay feeds c through a new session in chunk-sized steps on a simulated
// clock starting at the Unix epoch, so result timestamps are offsets into the
// clip in milliseconds. emit receives every result.
func replay(ctx context.Context, c clip, cfg session.Config, chunk time.Duration, emit func(session.Result), opts ...session.Option) (summary, error) {
	cfg.SampleRate = c.SampleRate
	chunkBytes := int(int64(c.SampleRate)*chunk.Milliseconds()/1000) * audio.BytesPerSample
	if chunkBytes <= 0 {
		return summary{}, fmt.Errorf("voxreplay: chunk %v is too short", chunk)
	}

	now := time.UnixMilli(0)
	opts = append([]session.Option{session.WithClock(func() time.Time { return now })}, opts...)
	s, err := session.New("replay", cfg, opts...)
	if err != nil {
		return summary{}, err
	}
	defer s.Close()

	var sum summary
	for off := 0; off < len(c.PCM); off += chunkBytes {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		end := min(off+chunkBytes, len(c.PCM))
		res := s.ProcessChunk(ctx, c.PCM[off:end])
		if res.Err != nil {
			return sum, res.Err
		}

		sum.Chunks++
		sum.Frames += res.Frames
		sum.SpeechFrames += res.SpeechFrames
		if res.Event == session.EventSpeechEnd {
			sum.Utterances++
			sum.SpeechTime += res.Duration
		}
		if emit != nil {
			emit(res)
		}
		now = now.Add(chunk)
	}
	sum.Profile = s.NoiseProfile()
	return sum, nil
}
