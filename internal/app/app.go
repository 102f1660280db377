// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the session registry,
// transport and HTTP routes and binds the listener, Run serves until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithListener,
// WithMetrics, WithClock). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/transport"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// VAD is the secondary detector engine. Nil runs every session on the
	// level detector alone.
	VAD vad.Engine

	// VADName labels the engine in logs and metrics.
	VADName string
}

// App owns all subsystem lifetimes of the voxgate server.
type App struct {
	cfg       *config.Config
	providers *Providers

	logger   *slog.Logger
	level    *slog.LevelVar
	version  string
	metrics  *observe.Metrics
	now      func() time.Time
	listener net.Listener
	metricsH http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	registry  *session.Registry
	transport *transport.Handler
	health    *health.Handler
	server    *http.Server

	mu  sync.Mutex
	cur *config.Config

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets hot reloads change the log level of the handler that
// reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion reports v on the liveness probe.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the wall clock used by sessions.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetricsHandler replaces the Prometheus handler mounted at
// cfg.Telemetry.MetricsPath.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New creates an App by wiring all subsystems together and binds the
// listener, so [App.Addr] is valid as soon as New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		cur:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	// ── 1. Session registry ──────────────────────────────────────────────
	sopts := []session.Option{
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
		session.WithSweepInterval(cfg.VAD.SweepInterval),
	}
	if a.now != nil {
		sopts = append(sopts, session.WithClock(a.now))
	}
	if providers.VAD != nil {
		sopts = append(sopts, session.WithEngine(providers.VADName, providers.VAD))
	}
	reg, err := session.NewRegistry(cfg.VAD.Config, sopts...)
	if err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.registry = reg

	// ── 2. Transport ─────────────────────────────────────────────────────
	a.transport = transport.New(reg,
		transport.WithLogger(a.logger),
		transport.WithMetrics(a.metrics),
		transport.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		transport.WithDebug(cfg.Server.Debug),
	)

	// ── 3. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.SessionLimit(reg.Count, cfg.Server.MaxSessions)}
	if providers.VAD != nil {
		checkers = append(checkers, health.Detector(providers.VAD, cfg.VAD.DetectorConfig()))
	}
	hopts := []health.Option{health.WithVersion(a.version)}
	if a.now != nil {
		hopts = append(hopts, health.WithClock(a.now))
	}
	a.health = health.New(checkers, hopts...)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if a.listener == nil {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}

	a.closers = append(a.closers, reg.Close)
	return a, nil
}

// Handler returns the root HTTP handler: the WebSocket endpoint at /vad,
// health probes and the metrics endpoint, wrapped in the observability
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /vad", a.transport)
	a.health.Register(mux)

	routes := []string{"/vad", "/healthz", "/readyz"}
	quiet := []string{"/healthz", "/readyz"}
	if p := a.cfg.Telemetry.MetricsPath; p != "" {
		mux.Handle("GET "+p, a.metricsH)
		routes = append(routes, p)
		quiet = append(quiet, p)
	}
	return observe.Middleware(a.metrics,
		observe.WithRequestLogger(a.logger),
		observe.WithRoutes(routes...),
		observe.WithQuietPaths(quiet...),
	)(mux)
}

// Addr returns the address the server listens on.
func (a *App) Addr() net.Addr {
	return a.listener.Addr()
}

// Registry returns the session registry.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Run serves HTTP and sweeps idle sessions until ctx is cancelled or the
// server fails. It returns ctx.Err() after a cancellation.
func (a *App) Run(ctx context.Context) error {
	a.registry.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		// Hijacked WebSocket connections are not tracked by the server.
		a.transport.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	a.logger.Info("app running",
		"addr", a.Addr().String(),
		"detector", a.providers.VADName,
		"tls", a.cfg.Server.TLS != nil,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

// ApplyConfig hot-applies the reloadable parts of next. It matches the
// callback signature of [config.NewWatcher].
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.IsEmpty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DebugChanged {
		a.transport.SetDebug(next.Server.Debug)
		a.logger.Info("debug snapshots toggled", "debug", next.Server.Debug)
	}
	if d.VADChanged {
		if err := a.registry.SetDefaults(next.VAD.Config); err != nil {
			a.logger.Warn("rejected vad defaults from reload", "err", err)
		} else {
			a.logger.Info("vad defaults updated; applies to new sessions")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}

	a.mu.Lock()
	a.cur = next
	a.mu.Unlock()
}

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Shutdown disconnects clients, stops the server and closes every session.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "sessions", a.registry.Count(), "connections", a.transport.ConnectionCount())
		a.health.SetDraining(true)

		a.transport.Close()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Debug("listener close", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ParseLevel maps a config log level to its slog level. Unknown values map
// to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
