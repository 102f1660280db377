// Package health serves the liveness and readiness probes of the voxgate
// server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// answers 200 only when every [Checker] passes and the server is not
// draining. Both bodies are JSON:
//
//	{"status":"ok","checks":{"sessions":"ok","detector":"ok"}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil when the
// condition holds.
type Checker struct {
	// Name keys the check in the readiness body, e.g. "sessions".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

type status struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  int64             `json:"uptime_s,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithVersion adds the build version to liveness responses.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithClock overrides the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	version  string
	now      func() time.Time
	started  time.Time
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	return h
}

// SetDraining marks the server as shutting down. While draining, readiness
// fails without running the checkers so load balancers stop routing new
// connections.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(h.now().Sub(h.started) / time.Second),
	})
}

// Readyz is the readiness probe. Checkers run concurrently, each under its
// own [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, status{Status: "draining"})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	res := status{Status: "ok", Checks: checks}
	if failed {
		code = http.StatusServiceUnavailable
		res.Status = "fail"
	}
	writeJSON(w, code, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
