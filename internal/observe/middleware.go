package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests outside the configured routes.
const unmatchedRoute = "unmatched"

// responseWriter records the status written downstream.
type responseWriter struct {
	http.ResponseWriter
	code int
}

func (w *responseWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through. A hijacked connection is
// recorded as 101 Switching Protocols.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T does not implement http.Hijacker", w.ResponseWriter)
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type middlewareConfig struct {
	logger *slog.Logger
	routes map[string]bool
	quiet  map[string]bool
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

// WithRequestLogger sets the logger for request completion lines. Defaults to
// [slog.Default].
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = l }
}

// WithRoutes lists the paths the server serves. Other paths are recorded
// under the "unmatched" path attribute so scanners cannot grow the metric
// series. Without this option every path is recorded as is.
func WithRoutes(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		if c.routes == nil {
			c.routes = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			c.routes[p] = true
		}
	}
}

// WithQuietPaths logs requests to paths at debug level instead of info.
// Useful for probes and metric scrapes.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		if c.quiet == nil {
			c.quiet = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			c.quiet[p] = true
		}
	}
}

// Middleware instruments every request:
//
//  1. W3C trace context is extracted from the request, or a trace is started.
//  2. A server span covers the request; its trace ID is returned as
//     X-Correlation-ID.
//  3. The duration is recorded to [Metrics.HTTPRequestDuration].
//  4. A completion line is logged with status and duration.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := r.URL.Path
			if cfg.routes != nil && !cfg.routes[route] {
				route = unmatchedRoute
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.code))

			level := slog.LevelInfo
			if cfg.quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			TraceLogger(ctx, cfg.logger).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.code),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
