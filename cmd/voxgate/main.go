// Command voxgate is the main entry point for the voxgate VAD server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/webrtc"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found, see configs/example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Detector registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDetectors(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build detector", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithVersion(version),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", application.Addr())

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := w.Reload(); {
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: configuration unchanged")
			case err != nil:
				slog.Warn("SIGHUP: reload failed, keeping previous config", "err", err)
			}
		}
	}
}

// ── Detector wiring ───────────────────────────────────────────────────────────

// registerBuiltinDetectors wires the detector engines that ship with voxgate
// into reg.
func registerBuiltinDetectors(reg *config.Registry) {
	reg.RegisterVAD(config.DetectorWebRTC, func(config.DetectorEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})
	reg.RegisterVAD(config.DetectorNone, func(config.DetectorEntry) (vad.Engine, error) {
		return nil, nil
	})

	for _, name := range reg.VADNames() {
		slog.Debug("registered detector", "name", name)
	}
}

// buildProviders instantiates the configured detector engine and probes it
// once. An engine that cannot open a detector (for example a build without
// cgo) is dropped with a warning so sessions fall back to the level detector.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{VADName: cfg.Detector.Name}

	eng, err := reg.CreateVAD(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("create detector %q: %w", cfg.Detector.Name, err)
	}
	if eng == nil {
		slog.Info("secondary detector disabled", "name", cfg.Detector.Name)
		return ps, nil
	}

	probe, err := eng.NewDetector(cfg.VAD.DetectorConfig())
	if err != nil {
		slog.Warn("secondary detector unavailable, using level detector only", "name", cfg.Detector.Name, "err", err)
		return ps, nil
	}
	_ = probe.Close()

	ps.VAD = eng
	slog.Info("detector created", "name", cfg.Detector.Name)
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	detector := ps.VADName
	if ps.VAD == nil {
		detector += " (level only)"
	}
	tls := "(disabled)"
	if cfg.Server.TLS != nil {
		tls = "enabled"
	}
	maxSessions := "unlimited"
	if cfg.Server.MaxSessions > 0 {
		maxSessions = fmt.Sprint(cfg.Server.MaxSessions)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("TLS", tls)
	printRow("Detector", detector)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.VAD.SampleRate))
	printRow("Frame", fmt.Sprintf("%d ms", cfg.VAD.FrameDurationMs))
	printRow("Max sessions", maxSessions)
	printRow("Metrics path", cfg.Telemetry.MetricsPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
