package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reload describes an accepted change of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher keeps the call server's config in step with its file. It polls
// the file and can be told to re-read it at once, for example on SIGHUP.
// A file that fails to parse or validate is rejected and the previous config
// stays current.
//
// Calls already running keep the config they were built with;
// [Watcher.Current] is read whenever a new call is accepted.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	current atomic.Pointer[Config]

	// mu serialises reloads and guards the file state below.
	mu    sync.Mutex
	mtime time.Time
	hash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds; a
// negative interval disables polling so that only [Watcher.Reload] reads the
// file.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts watching it. onReload, which may be nil,
// runs for every accepted change that differs in content from the current
// config; edits that only touch comments or formatting are adopted silently.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.hash, w.mtime = hash, mtime

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling. Current keeps working.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now, regardless of its modification time. It
// reports whether the config changed; an error means the file was rejected.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.reload(false); err != nil {
				w.log.Warn("config: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			return false, err
		}
		if info.ModTime().Equal(w.mtime) {
			w.mu.Unlock()
			return false, nil
		}
	}
	cfg, hash, mtime, err := w.read()
	if err != nil {
		// Remember the rejected state so a broken file is reported once.
		w.mtime = mtime
		w.mu.Unlock()
		return false, err
	}
	w.mtime = mtime
	if hash == w.hash {
		w.mu.Unlock()
		return false, nil
	}
	w.hash = hash
	old := w.current.Swap(cfg)
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		return false, nil
	}
	w.log.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired())
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
	return true, nil
}

// read loads and validates the file. The modification time is returned even
// when the content is rejected.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var hash [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, hash, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, hash, info.ModTime(), err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, hash, info.ModTime(), err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
