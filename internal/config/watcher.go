package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultReloadInterval is the polling interval when none is given.
const DefaultReloadInterval = 5 * time.Second

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg   *Config
	sum   uint64
	mtime time.Time
}

// Watcher keeps the last valid version of a config file and reports changes
// to it. The file is re-read when its modification time moves, when one of
// the configured signals arrives or when [Watcher.Reload] is called. Edits
// that do not validate are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	signals  []os.Signal
	onChange func(old, new *Config, d ConfigDiff)
	initial  *Config

	mu  sync.Mutex
	cur snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithReloadSignals forces a reload whenever one of sigs is received while
// [Watcher.Run] is active. SIGHUP is the usual choice.
func WithReloadSignals(sigs ...os.Signal) WatcherOption {
	return func(w *Watcher) { w.signals = append(w.signals, sigs...) }
}

// WithInitial makes cfg, the config the caller is already running with, the
// baseline. If the file no longer matches it, the first poll reports the
// difference instead of silently adopting the file.
func WithInitial(cfg *Config) WatcherOption {
	return func(w *Watcher) { w.initial = cfg }
}

// NewWatcher loads the config at path. Watching starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultReloadInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cur = snap
	if w.initial != nil && Diff(w.initial, snap.cfg).Changed() {
		// Zero sum and mtime: the next poll reloads and diffs against
		// the running config.
		w.cur = snapshot{cfg: w.initial}
	}
	return w, nil
}

// Current returns the most recently loaded valid config. Callers must not
// modify it.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.cfg
}

// Run watches until ctx ends. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var sigs chan os.Signal
	if len(w.signals) > 0 {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, w.signals...)
		defer signal.Stop(sigs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.modified() {
				w.reloadLogged("poll")
			}
		case sig := <-sigs:
			w.reloadLogged(sig.String())
		}
	}
}

// Reload re-reads the file now. It reports whether the content changed; an
// invalid file returns an error and leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	next, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.cur
	if next.sum == prev.sum {
		// Touched only.
		w.cur.mtime = next.mtime
		w.mu.Unlock()
		return false, nil
	}
	w.cur = next
	w.mu.Unlock()

	d := Diff(prev.cfg, next.cfg)
	slog.Info("config reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg, d)
	}
	return true, nil
}

func (w *Watcher) reloadLogged(trigger string) {
	if _, err := w.Reload(); err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "trigger", trigger, "err", err)
	}
}

func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.cur.mtime)
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: xxhash.Sum64(data), mtime: info.ModTime()}, nil
}
