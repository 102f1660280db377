package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/analysis"
)

// Registry owns all live sessions. It is safe for concurrent use.
type Registry struct {
	opts *options

	mu       sync.RWMutex
	sessions map[string]*Session
	defaults Config
	closed   bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewRegistry creates a registry whose new sessions start from defaults.
func NewRegistry(defaults Config, opts ...Option) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		opts:     buildOptions(opts),
		sessions: make(map[string]*Session),
		defaults: defaults,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Defaults returns the configuration applied to new sessions.
func (r *Registry) Defaults() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults replaces the configuration used for sessions created from now
// on. Existing sessions keep their configuration.
func (r *Registry) SetDefaults(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defaults = cfg
	r.mu.Unlock()
	return nil
}

// GetOrCreate returns the session with the given id, creating it from the
// defaults when it does not exist. An empty id creates a session under a fresh
// UUID.
func (r *Registry) GetOrCreate(id string) (string, *Session, error) {
	if id != "" {
		r.mu.RLock()
		s, ok := r.sessions[id]
		closed := r.closed
		r.mu.RUnlock()
		if ok {
			return id, s, nil
		}
		if closed {
			return "", nil, ErrClosed
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, ErrClosed
	}
	if id == "" {
		id = r.opts.newID()
	}
	if s, ok := r.sessions[id]; ok {
		return id, s, nil
	}

	s, err := newSession(id, r.defaults, r.opts)
	if err != nil {
		return "", nil, fmt.Errorf("session: create %s: %w", id, err)
	}
	r.sessions[id] = s
	r.opts.metrics.ActiveSessions.Add(context.Background(), 1)
	r.opts.logger.Debug("session created", "session_id", id, "sessions", len(r.sessions))
	return id, s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) lookup(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Process routes a raw PCM chunk to the session with the given id, creating
// it when needed.
func (r *Registry) Process(ctx context.Context, id string, pcm []byte) Result {
	_, s, err := r.GetOrCreate(id)
	if err != nil {
		return errorResult(id, r.opts.now(), err)
	}
	return s.ProcessChunk(ctx, pcm)
}

// ProcessBase64 decodes a base64 audio payload and processes it like
// [Registry.Process]. A payload that does not decode yields an error result
// wrapping [ErrDecode] and neither creates nor touches a session.
func (r *Registry) ProcessBase64(ctx context.Context, id, payload string) Result {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		r.opts.metrics.DecodeErrors.Add(ctx, 1)
		r.opts.logger.Debug("decode audio payload", "session_id", id, "err", err)
		return errorResult(id, r.opts.now(), fmt.Errorf("%w: %w", ErrDecode, err))
	}
	return r.Process(ctx, id, pcm)
}

// UpdateConfig merges p into the configuration of an existing session.
func (r *Registry) UpdateConfig(id string, p ConfigPatch) (Config, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Config{}, err
	}
	return s.UpdateConfig(p)
}

// Recalibrate restarts noise-floor calibration of an existing session and
// returns the time it was triggered.
func (r *Registry) Recalibrate(ctx context.Context, id string) (time.Time, error) {
	s, err := r.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	s.ForceRecalibration()
	r.opts.metrics.Recalibrations.Add(ctx, 1)
	return r.opts.now(), nil
}

// NoiseProfile returns the noise model of an existing session.
func (r *Registry) NoiseProfile(id string) (analysis.NoiseProfile, error) {
	s, err := r.lookup(id)
	if err != nil {
		return analysis.NoiseProfile{}, err
	}
	return s.NoiseProfile(), nil
}

// DebugState returns the debug snapshot of an existing session.
func (r *Registry) DebugState(id string) (DebugState, error) {
	s, err := r.lookup(id)
	if err != nil {
		return DebugState{}, err
	}
	return s.DebugState(), nil
}

// Remove closes and forgets the session with the given id. It reports whether
// the session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.closeSession(s)
	r.opts.logger.Debug("session removed", "session_id", id)
	return true
}

func (r *Registry) closeSession(s *Session) {
	r.opts.metrics.ActiveSessions.Add(context.Background(), -1)
	if err := s.Close(); err != nil {
		r.opts.logger.Warn("close session", "session_id", s.ID(), "err", err)
	}
}

// SweepExpired removes every session idle longer than its timeout and returns
// their ids. The registry lock is only held for map access.
func (r *Registry) SweepExpired() []string {
	now := r.opts.now()

	r.mu.RLock()
	var candidates []string
	for id, s := range r.sessions {
		if s.IsExpired(now) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	var removed []*Session
	r.mu.Lock()
	for _, id := range candidates {
		// Re-check: the session may have seen activity since the scan.
		if s, ok := r.sessions[id]; ok && s.IsExpired(now) {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, s := range removed {
		r.closeSession(s)
		r.opts.metrics.SessionsExpired.Add(context.Background(), 1)
		r.opts.logger.Debug("removed expired session",
			"session_id", s.ID(),
			"idle", now.Sub(s.LastActivity()),
		)
		ids = append(ids, s.ID())
	}
	return ids
}

// Start launches the periodic expiry sweep. It returns immediately; the sweep
// runs until ctx is cancelled or [Registry.Stop] is called. Calling Start more
// than once has no effect.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.sweepLoop(ctx)
	})
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if ids := r.SweepExpired(); len(ids) > 0 {
				r.opts.logger.Info("expired idle sessions", "count", len(ids), "remaining", r.Count())
			}
		}
	}
}

// Stop halts the sweep and waits for it to exit. Safe to call multiple times
// and without a prior Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// Close stops the sweep and closes every session. Later calls to
// [Registry.GetOrCreate] fail with [ErrClosed].
func (r *Registry) Close() error {
	r.Stop()

	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	for _, s := range all {
		r.closeSession(s)
	}
	return nil
}
