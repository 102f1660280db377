// Package transport exposes session registry operations over a WebSocket.
//
// Every message is a JSON text frame. Clients send [Request] objects and
// receive [Response] envelopes:
//
//	-> {"type":"init_vad","session_id":"optional"}
//	<- {"type":"vad_initialized","data":{"session_id":"...","noise_profile":{...},"config":{...}}}
//	-> {"type":"audio_data","session_id":"...","audio":"<base64 pcm>"}
//	<- {"type":"vad_update","data":{"event":"vad_update","is_speaking":false,...}}
//
// Requests on one connection are handled in order. A session belongs to the
// connection that last initialised or fed it and is removed when that
// connection closes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
)

// DefaultReadLimit bounds a single client message. One second of 48 kHz
// audio is 128 KiB once base64-encoded.
const DefaultReadLimit = 1 << 20

const writeTimeout = 5 * time.Second

// ErrClosed is reported to clients connecting after [Handler.Close].
var ErrClosed = errors.New("transport: handler closed")

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithOriginPatterns accepts cross-origin connections from hosts matching
// any of patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithReadLimit sets the maximum size of a client message in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithDebug exposes debug snapshots for every session.
func WithDebug(on bool) Option {
	return func(h *Handler) { h.debug = on }
}

// Handler is an [http.Handler] upgrading requests to WebSocket connections
// that drive a [session.Registry].
type Handler struct {
	registry       *session.Registry
	logger         *slog.Logger
	metrics        *observe.Metrics
	originPatterns []string
	readLimit      int64

	mu     sync.Mutex
	debug  bool
	closed bool
	conns  map[string]context.CancelFunc
	owners map[string]string // session id -> connection id
	wg     sync.WaitGroup
}

// New returns a Handler serving reg.
func New(reg *session.Registry, opts ...Option) *Handler {
	h := &Handler{
		registry:  reg,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		readLimit: DefaultReadLimit,
		conns:     make(map[string]context.CancelFunc),
		owners:    make(map[string]string),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDebug toggles server-wide debug snapshots.
func (h *Handler) SetDebug(on bool) {
	h.mu.Lock()
	h.debug = on
	h.mu.Unlock()
}

func (h *Handler) debugEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.debug
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects, the request context ends or the handler is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	h.conns[id] = cancel
	h.wg.Add(1)
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
		h.wg.Done()
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	c := &connection{
		id:       id,
		h:        h,
		conn:     conn,
		logger:   h.logger.With("conn_id", id),
		sessions: make(map[string]struct{}),
	}
	c.serve(ctx)
}

// Close disconnects every client and waits for their handlers to return.
// New connections are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	for _, cancel := range h.conns {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// claim makes connID the owner of sessionID.
func (h *Handler) claim(sessionID, connID string) {
	h.mu.Lock()
	h.owners[sessionID] = connID
	h.mu.Unlock()
}

// release removes sessionID from the registry if connID still owns it.
func (h *Handler) release(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[sessionID] != connID {
		return false
	}
	delete(h.owners, sessionID)
	h.registry.Remove(sessionID)
	return true
}

// ConnectionCount returns the number of open connections.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type connection struct {
	id     string
	h      *Handler
	conn   *websocket.Conn
	logger *slog.Logger

	// sessions touched on this connection. Those it still owns are removed
	// on disconnect.
	sessions map[string]struct{}
}

func (c *connection) track(sessionID string) {
	c.sessions[sessionID] = struct{}{}
	c.h.claim(sessionID, c.id)
}

func (c *connection) serve(ctx context.Context) {
	c.logger.Debug("client connected")
	defer c.cleanup()

	if err := c.send(ctx, TypeConnected, ConnectedData{Status: "connected", ConnectionID: c.id}); err != nil {
		c.conn.Close(websocket.StatusInternalError, "greeting failed")
		return
	}

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
			default:
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.reply(ctx, "binary", "", errors.New("binary messages are not supported; send JSON text"))
			continue
		}
		if err := c.handle(ctx, data); err != nil {
			c.logger.Debug("write failed", "err", err)
			return
		}
	}
}

func (c *connection) cleanup() {
	removed := 0
	for id := range c.sessions {
		if c.h.release(id, c.id) {
			removed++
		}
	}
	c.logger.Debug("client disconnected", "sessions_removed", removed)
}

// handle dispatches one request. It returns an error only when the reply
// could not be written.
func (c *connection) handle(ctx context.Context, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return c.reply(ctx, "invalid", "", fmt.Errorf("invalid message: %w", err))
	}

	ctx, span := observe.StartSpan(ctx, "vad."+metricType(req.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("vad.session_id", req.SessionID),
			attribute.String("vad.connection_id", c.id),
		),
	)
	defer span.End()

	msgType, out, err := c.dispatch(ctx, req)
	if err != nil {
		observe.FailSpan(span, err)
		return c.reply(ctx, req.Type, req.SessionID, err)
	}
	c.h.metrics.RecordMessage(ctx, req.Type, "ok")
	return c.send(ctx, msgType, out)
}

func (c *connection) dispatch(ctx context.Context, req Request) (string, any, error) {
	reg := c.h.registry
	switch req.Type {
	case TypeInitVAD:
		return c.initVAD(req)

	case TypeAudioData, TypeProcessAudio:
		if req.SessionID == "" || req.Audio == "" {
			return "", nil, errors.New("missing session_id or audio data")
		}
		res := reg.ProcessBase64(ctx, req.SessionID, req.Audio)
		if res.Event == session.EventError {
			return "", nil, res.Err
		}
		c.track(req.SessionID)
		return string(res.Event), res, nil

	case TypeUpdateVADConfig:
		if req.SessionID == "" || len(req.Config) == 0 {
			return "", nil, errors.New("missing session_id or config")
		}
		p, err := decodePatch(req.Config)
		if err != nil {
			return "", nil, err
		}
		cfg, err := reg.UpdateConfig(req.SessionID, p)
		if err != nil {
			return "", nil, err
		}
		return TypeConfigUpdated, ConfigUpdatedData{SessionID: req.SessionID, Config: cfg}, nil

	case TypeForceRecalibration:
		if req.SessionID == "" {
			return "", nil, errors.New("missing session_id")
		}
		at, err := reg.Recalibrate(ctx, req.SessionID)
		if err != nil {
			return "", nil, err
		}
		return TypeRecalibrationStarted, RecalibratedData{SessionID: req.SessionID, Timestamp: at.UnixMilli()}, nil

	case TypeGetDebugState:
		if req.SessionID == "" {
			return "", nil, errors.New("missing session_id")
		}
		ds, err := reg.DebugState(req.SessionID)
		if err != nil {
			return "", nil, err
		}
		if !c.h.debugEnabled() && !ds.Config.Debug {
			return TypeDebugState, struct{}{}, nil
		}
		return TypeDebugState, ds, nil

	default:
		return "", nil, fmt.Errorf("unknown message type %q", req.Type)
	}
}

func (c *connection) initVAD(req Request) (string, any, error) {
	var patch session.ConfigPatch
	if len(req.Config) > 0 {
		p, err := decodePatch(req.Config)
		if err != nil {
			return "", nil, err
		}
		// Reject before anything is created.
		if err := c.h.registry.Defaults().Apply(p).Validate(); err != nil {
			return "", nil, err
		}
		patch = p
	}

	id, s, err := c.h.registry.GetOrCreate(req.SessionID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to initialize VAD: %w", err)
	}
	c.track(id)

	cfg := s.Config()
	if !patch.IsEmpty() {
		if cfg, err = s.UpdateConfig(patch); err != nil {
			return "", nil, err
		}
	}
	c.logger.Debug("vad session initialized", "session_id", id)
	return TypeVADInitialized, InitializedData{
		SessionID:    id,
		NoiseProfile: s.NoiseProfile(),
		Config:       cfg,
	}, nil
}

// decodePatch strictly decodes a partial config so that misspelled keys are
// reported instead of ignored.
func decodePatch(raw json.RawMessage) (session.ConfigPatch, error) {
	var p session.ConfigPatch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return session.ConfigPatch{}, fmt.Errorf("%w: %w", session.ErrInvalidConfig, err)
	}
	return p, nil
}

func (c *connection) reply(ctx context.Context, msgType, sessionID string, err error) error {
	c.h.metrics.RecordMessage(ctx, metricType(msgType), "error")
	observe.TraceLogger(ctx, c.logger).Debug("request failed", "type", msgType, "session_id", sessionID, "err", err)
	return c.send(ctx, TypeError, ErrorData{Message: err.Error(), SessionID: sessionID})
}

// metricType bounds the cardinality of the message type attribute.
func metricType(t string) string {
	switch t {
	case TypeInitVAD, TypeAudioData, TypeProcessAudio, TypeUpdateVADConfig,
		TypeForceRecalibration, TypeGetDebugState, "binary", "invalid":
		return t
	}
	return "unknown"
}

func (c *connection) send(ctx context.Context, msgType string, data any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, Response{Type: msgType, Data: data})
}
