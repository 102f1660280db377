// Command voxreplay runs a WAV file through a voxgate session offline and
// prints the speech transitions as JSON lines.
//
// The detector settings come from the vad and detector sections of a voxgate
// config file when -config is given, and from the built-in defaults
// otherwise. Audio is downmixed to mono and resampled to the nearest
// supported rate before replay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/webrtc"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional voxgate YAML config supplying the vad and detector sections")
	detector := flag.String("detector", "", `secondary detector override: "webrtc" or "none"`)
	chunk := flag.Duration("chunk", 100*time.Millisecond, "audio delivered per simulated chunk")
	all := flag.Bool("all", false, "print vad_update results as well as transitions")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: voxreplay [flags] file.wav\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.ParseLevel(config.LogLevel(*logLevel)),
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "voxreplay: %v\n", err)
			return 1
		}
	}
	if *detector != "" {
		cfg.Detector.Name = *detector
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxreplay: %v\n", err)
		return 1
	}
	defer f.Close()

	c, err := readWAV(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxreplay: %s: %v\n", flag.Arg(0), err)
		return 1
	}
	slog.Info("audio loaded",
		"file", flag.Arg(0),
		"source_rate", c.SourceRate,
		"source_channels", c.SourceChannels,
		"sample_rate", c.SampleRate,
		"duration", c.Duration(),
	)

	sessCfg := cfg.VAD.Config
	sessCfg.SampleRate = c.SampleRate
	opts := []session.Option{session.WithLogger(logger)}
	eng, err := newEngine(cfg.Detector, sessCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxreplay: %v\n", err)
		return 1
	}
	if eng != nil {
		opts = append(opts, session.WithEngine(cfg.Detector.Name, eng))
	} else {
		sessCfg.UseWebRTC = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	emit := func(res session.Result) {
		if res.Event == session.EventVADUpdate && !*all {
			return
		}
		if err := enc.Encode(res); err != nil {
			slog.Warn("write result", "err", err)
		}
	}

	sum, err := replay(ctx, c, sessCfg, *chunk, emit, opts...)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voxreplay: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "chunks=%d frames=%d speech_frames=%d utterances=%d speech_time=%v noise_floor=%.5f threshold=%.5f\n",
		sum.Chunks, sum.Frames, sum.SpeechFrames, sum.Utterances, sum.SpeechTime,
		sum.Profile.NoiseFloor, sum.Profile.Threshold())
	return 0
}

// newEngine resolves the detector entry through the same registry the server
// uses. An engine that cannot open a detector for cfg yields nil with a
// warning.
func newEngine(entry config.DetectorEntry, cfg session.Config) (vad.Engine, error) {
	reg := config.NewRegistry()
	reg.RegisterVAD(config.DetectorWebRTC, func(config.DetectorEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})
	reg.RegisterVAD(config.DetectorNone, func(config.DetectorEntry) (vad.Engine, error) {
		return nil, nil
	})

	eng, err := reg.CreateVAD(entry)
	if err != nil || eng == nil {
		return nil, err
	}
	probe, err := eng.NewDetector(cfg.DetectorConfig())
	if err != nil {
		slog.Warn("secondary detector unavailable, replaying with level detector only", "err", err)
		return nil, nil
	}
	_ = probe.Close()
	return eng, nil
}
