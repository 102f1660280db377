package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the current configuration.
var ErrUnchanged = errors.New("config: file unchanged")

// stamp identifies one observed version of the config file.
type stamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher keeps a config file's current valid [Config] and reports edits to
// a callback. Polling compares modification time and size before hashing, so
// a touch without edits does not fire the callback. A file that fails to
// load or validate is logged and skipped; the last valid config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	logger   *slog.Logger

	// reloadMu serialises Reload calls from the poll loop and callers.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    stamp

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload and error reports.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed. onChange runs on the polling goroutine, or on the caller of
// [Watcher.Reload], with the previous and the new config; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !w.statChanged() {
				continue
			}
			if err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
				w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// statChanged reports whether the file's mtime or size differ from the last
// observed version. Stat failures count as unchanged.
func (w *Watcher) statChanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config watcher cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.seen.mtime) || info.Size() != w.seen.size
}

// Reload reads the file now, regardless of its modification time. On a
// content change the new config becomes current and onChange runs before
// Reload returns. It returns [ErrUnchanged] when the content is identical,
// and the load error when the file is invalid.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, st, err := w.read()
	w.mu.Lock()
	if err != nil {
		// Do not retry the same broken file on every tick.
		if !st.mtime.IsZero() {
			w.seen.mtime, w.seen.size = st.mtime, st.size
		}
		w.mu.Unlock()
		return err
	}
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read loads and validates the file. The stamp's mtime and size are set
// whenever the file could be read, even if it fails validation.
func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	st := stamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
