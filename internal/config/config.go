// Package config provides the configuration schema, loader, hot-reload
// watcher and detector registry for the voxgate server.
package config

import (
	"time"

	"github.com/MrWong99/voxgate/internal/session"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Detector names understood by the built-in registry.
const (
	DetectorWebRTC = "webrtc"
	DetectorNone   = "none"
)

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Keys missing from the file keep the values of [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	VAD       VADConfig       `yaml:"vad"`
	Detector  DetectorEntry   `yaml:"detector"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Debug exposes session debug snapshots to every client, regardless of
	// the per-session debug flag.
	Debug bool `yaml:"debug"`

	// AllowedOrigins lists host patterns accepted for cross-origin WebSocket
	// connections (e.g., "app.example.com", "*.example.com"). Same-origin
	// requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions marks the server not ready once this many sessions are
	// open. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds graceful shutdown of open connections.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VADConfig holds the defaults applied to new sessions and the registry's
// housekeeping settings.
type VADConfig struct {
	session.Config `yaml:",inline"`

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DetectorEntry selects the secondary detector engine. The Name field is used
// to look up the constructor in the [Registry].
type DetectorEntry struct {
	// Name selects the registered engine ("webrtc" or "none").
	Name string `yaml:"name"`

	// Options holds engine-specific configuration values.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig controls metrics and trace export.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name resource.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the HTTP path serving Prometheus metrics. Empty disables
	// the endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the share of new traces sampled, within [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 15 * time.Second,
		},
		VAD: VADConfig{
			Config:        session.DefaultConfig(),
			SweepInterval: session.DefaultSweepInterval,
		},
		Detector: DetectorEntry{Name: DetectorWebRTC},
		Telemetry: TelemetryConfig{
			ServiceName: "voxgate",
			MetricsPath: "/metrics",
		},
	}
}
