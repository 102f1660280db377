package observe

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wraps h in Middleware backed by a ManualReader and an
// in-memory span exporter. Tests using it must not run in parallel.
func instrumented(t *testing.T, h http.Handler, opts ...MiddlewareOption) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := installTracer(t)
	return Middleware(m, opts...)(h), reader, exp
}

func respond(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func TestMiddleware_CorrelationID(t *testing.T) {
	var seen string
	h, _, _ := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if len(seen) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, seen) {
		t.Errorf("traceparent = %q, want it to carry %s", tp, seen)
	}
}

func TestMiddleware_PropagatesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h, _, _ := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/vad", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("correlation ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_SpanAndDuration(t *testing.T) {
	h, reader, exp := instrumented(t, respond(http.StatusNotFound))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /readyz" {
		t.Fatalf("spans = %v, want one \"HTTP GET /readyz\"", spans)
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", code)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
	}
	attrs := hist.DataPoints[0].Attributes
	if v, _ := attrs.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method = %q", v.AsString())
	}
	if v, _ := attrs.Value("path"); v.AsString() != "/readyz" {
		t.Errorf("path = %q", v.AsString())
	}
}

func TestMiddleware_UnmatchedRoutes(t *testing.T) {
	h, reader, exp := instrumented(t, respond(http.StatusNotFound), WithRoutes("/vad", "/healthz"))

	for _, p := range []string{"/wp-admin", "/.env", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	hist := findMetric(collect(t, reader), "voxgate.http.request.duration").Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("path")
		counts[v.AsString()] = dp.Count
	}
	if counts[unmatchedRoute] != 2 || counts["/healthz"] != 1 || len(counts) != 2 {
		t.Errorf("path series = %v, want unmatched:2 /healthz:1", counts)
	}
	if name := exp.GetSpans()[0].Name; name != "HTTP GET unmatched" {
		t.Errorf("span name = %q, want the bounded route", name)
	}
}

func TestMiddleware_QuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h, _, _ := instrumented(t, respond(http.StatusOK), WithRequestLogger(logger), WithQuietPaths("/healthz"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("quiet path logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/vad", nil))
	out := buf.String()
	for _, want := range []string{"request completed", "path=/vad", "status=200", "trace_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

// hijackRecorder is an httptest.ResponseRecorder that supports hijacking.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, bufio.NewReadWriter(bufio.NewReader(c1), bufio.NewWriter(c1)), nil
}

func TestMiddleware_SupportsHijack(t *testing.T) {
	h, _, exp := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/vad", nil))

	if !rec.hijacked {
		t.Fatal("underlying writer was not hijacked")
	}
	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("status code attribute = %d, want 101", a.Value.AsInt64())
		}
	}
}

func TestMiddleware_NoGlobalTracer(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	rec := httptest.NewRecorder()
	Middleware(m)(respond(http.StatusTeapot)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}
